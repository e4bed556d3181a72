package format

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatInvoiceNumberDefaultTemplate(t *testing.T) {
	issued := time.Date(2026, 3, 7, 23, 0, 0, 0, time.UTC)
	got, err := FormatInvoiceNumber(DefaultInvoiceNumberTemplate, issued, 42)
	require.NoError(t, err)
	assert.Equal(t, "INV-20260307-000042", got)
}

func TestFormatInvoiceNumberRejectsUnknownToken(t *testing.T) {
	_, err := FormatInvoiceNumber("INV-{ORG}-{SEQ}", time.Now(), 1)
	assert.Error(t, err)

	_, err = FormatInvoiceNumber(DefaultInvoiceNumberTemplate, time.Now(), 0)
	assert.Error(t, err)
}

func TestSequenceScope(t *testing.T) {
	issued := time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "20260307", SequenceScope(DefaultInvoiceNumberTemplate, issued))
	assert.Equal(t, "202603", SequenceScope("INV/{YYYY}/{MM}/{SEQ4}", issued))
	assert.Equal(t, "global", SequenceScope("INV-{SEQ}", issued))
}
