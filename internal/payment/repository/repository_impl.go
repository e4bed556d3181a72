package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenantbilling/internal/payment/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, tx *domain.PaymentTransaction) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payment_transactions (
			id, org_id, invoice_id, subscription_id, amount, currency, status,
			payment_method, payment_gateway, gateway_transaction_id, external_ref,
			redirect_url, pay_code, gateway_response, paid_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID,
		tx.OrgID,
		tx.InvoiceID,
		tx.SubscriptionID,
		tx.Amount,
		tx.Currency,
		tx.Status,
		tx.PaymentMethod,
		tx.PaymentGateway,
		tx.GatewayTransactionID,
		tx.ExternalRef,
		tx.RedirectURL,
		tx.PayCode,
		tx.GatewayResponse,
		tx.PaidAt,
		tx.CreatedAt,
		tx.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.PaymentTransaction, error) {
	return first(db.WithContext(ctx).Where("id = ?", id))
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.PaymentTransaction, error) {
	return first(db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id))
}

// FindByGatewayRefForUpdate locates the transaction a gateway callback refers
// to and locks it for the rest of the caller's transaction.
func (r *repo) FindByGatewayRefForUpdate(ctx context.Context, db *gorm.DB, gateway, ref string) (*domain.PaymentTransaction, error) {
	return first(db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("payment_gateway = ? AND gateway_transaction_id = ?", gateway, ref))
}

func (r *repo) FindSuccessfulByInvoice(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (*domain.PaymentTransaction, error) {
	return first(db.WithContext(ctx).
		Where("invoice_id = ? AND status = ?", invoiceID, domain.PaymentStatusSuccess))
}

func (r *repo) ListByInvoice(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]domain.PaymentTransaction, error) {
	var items []domain.PaymentTransaction
	err := db.WithContext(ctx).
		Where("invoice_id = ?", invoiceID).
		Order("created_at DESC, id DESC").
		Find(&items).Error
	return items, err
}

// ListPendingByInvoiceForUpdate locks every open attempt against an invoice.
func (r *repo) ListPendingByInvoiceForUpdate(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]domain.PaymentTransaction, error) {
	var items []domain.PaymentTransaction
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("invoice_id = ? AND status = ?", invoiceID, domain.PaymentStatusPending).
		Order("created_at ASC, id ASC").
		Find(&items).Error
	return items, err
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to domain.PaymentStatus, paidAt *time.Time, history datatypes.JSON, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_transactions
		 SET status = ?, paid_at = COALESCE(?, paid_at), gateway_response = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		to,
		paidAt,
		history,
		now,
		id,
		from,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) UpdateHistory(ctx context.Context, db *gorm.DB, id snowflake.ID, history datatypes.JSON, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_transactions
		 SET gateway_response = ?, updated_at = ?
		 WHERE id = ?`,
		history,
		now,
		id,
	).Error
}

func (r *repo) UpdateChargeResult(ctx context.Context, db *gorm.DB, tx *domain.PaymentTransaction) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_transactions
		 SET external_ref = ?, redirect_url = ?, pay_code = ?, gateway_response = ?, updated_at = ?
		 WHERE id = ?`,
		tx.ExternalRef,
		tx.RedirectURL,
		tx.PayCode,
		tx.GatewayResponse,
		tx.UpdatedAt,
		tx.ID,
	).Error
}

func first(query *gorm.DB) (*domain.PaymentTransaction, error) {
	var item domain.PaymentTransaction
	err := query.Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}
