package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type CreateChargeRequest struct {
	InvoiceID snowflake.ID
	Gateway   string   `json:"gateway" validate:"required"`
	Method    string   `json:"method"`
	Customer  Customer `json:"customer" validate:"required"`
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, tx *PaymentTransaction) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*PaymentTransaction, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*PaymentTransaction, error)
	FindByGatewayRefForUpdate(ctx context.Context, db *gorm.DB, gateway, ref string) (*PaymentTransaction, error)
	FindSuccessfulByInvoice(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (*PaymentTransaction, error)
	ListByInvoice(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]PaymentTransaction, error)
	ListPendingByInvoiceForUpdate(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]PaymentTransaction, error)
	// UpdateStatus changes status only while the row is still in from.
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to PaymentStatus, paidAt *time.Time, history datatypes.JSON, now time.Time) (int64, error)
	UpdateHistory(ctx context.Context, db *gorm.DB, id snowflake.ID, history datatypes.JSON, now time.Time) error
	UpdateChargeResult(ctx context.Context, db *gorm.DB, tx *PaymentTransaction) error
}

type Service interface {
	CreateCharge(ctx context.Context, req CreateChargeRequest) (*PaymentTransaction, error)
	RecordManualPayment(ctx context.Context, tx *gorm.DB, invoiceID, subscriptionID, orgID snowflake.ID, amount int64, method, reference string, paidAt time.Time) (*PaymentTransaction, error)
	ListByInvoice(ctx context.Context, invoiceID snowflake.ID) ([]PaymentTransaction, error)
	// SupersedeOpenCharges cancels every PENDING attempt against an invoice
	// whose amount is about to change. It runs inside the caller's transaction.
	SupersedeOpenCharges(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID, reason string) (int, error)
}
