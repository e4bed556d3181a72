package format

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var seqPadRe = regexp.MustCompile(`\{SEQ(\d+)\}`)

const DefaultInvoiceNumberTemplate = "INV-{YYYY}{MM}{DD}-{SEQ6}"

// FormatInvoiceNumber renders template for an invoice issued at issuedAt with
// sequence seq. Supported tokens: {YYYY} {YY} {MM} {DD} {SEQ} and {SEQn} for a
// zero-padded sequence of width n.
func FormatInvoiceNumber(template string, issuedAt time.Time, seq int64) (string, error) {
	if strings.TrimSpace(template) == "" {
		return "", fmt.Errorf("invoice number template is empty")
	}
	if seq <= 0 {
		return "", fmt.Errorf("invalid invoice sequence: %d", seq)
	}

	issuedAt = issuedAt.UTC()
	out := strings.NewReplacer(
		"{YYYY}", issuedAt.Format("2006"),
		"{YY}", issuedAt.Format("06"),
		"{MM}", issuedAt.Format("01"),
		"{DD}", issuedAt.Format("02"),
		"{SEQ}", strconv.FormatInt(seq, 10),
	).Replace(template)

	out = seqPadRe.ReplaceAllStringFunc(out, func(m string) string {
		width, err := strconv.Atoi(seqPadRe.FindStringSubmatch(m)[1])
		if err != nil || width <= 0 {
			return m
		}
		return fmt.Sprintf("%0*d", width, seq)
	})

	if strings.ContainsAny(out, "{}") {
		return "", fmt.Errorf("unresolved token in invoice format: %s", out)
	}
	return out, nil
}

// SequenceScope returns the key the sequence counter resets on: per day when
// the template carries a day token, per month or year otherwise, and a single
// global counter for templates without date tokens.
func SequenceScope(template string, issuedAt time.Time) string {
	issuedAt = issuedAt.UTC()
	switch {
	case strings.Contains(template, "{DD}"):
		return issuedAt.Format("20060102")
	case strings.Contains(template, "{MM}"):
		return issuedAt.Format("200601")
	case strings.Contains(template, "{YYYY}"), strings.Contains(template, "{YY}"):
		return issuedAt.Format("2006")
	default:
		return "global"
	}
}
