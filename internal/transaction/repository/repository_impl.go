package repository

import (
	"context"
	"strings"

	"github.com/smallbiznis/cobro/internal/transaction/domain"
	"github.com/smallbiznis/cobro/pkg/db/pagination"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const transactionColumns = `id, schedule_id, customer_id, collection_job_id, customer_name, email,
	amount, currency, status, iso_code, iso_message, error_kind,
	bin, last4, card_mask, card_brand, bank_name,
	processor, processor_token, ticket_number, approval_code, merchant_id,
	attempt_number, cycle_number, request_payload, response_payload,
	transaction_date, created_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, t *domain.Transaction) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO transactions (`+transactionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ScheduleID, t.CustomerID, t.CollectionJobID, t.CustomerName, t.Email,
		t.Amount, t.Currency, t.Status, t.ISOCode, t.ISOMessage, t.ErrorKind,
		t.BIN, t.Last4, t.CardMask, t.CardBrand, t.BankName,
		t.Processor, t.ProcessorToken, t.TicketNumber, t.ApprovalCode, t.MerchantID,
		t.AttemptNumber, t.CycleNumber, t.RequestPayload, t.ResponsePayload,
		t.TransactionDate, t.CreatedAt,
	).Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListTransactionFilter, page pagination.Pagination) ([]*domain.Transaction, error) {
	stmt, err := pagination.ApplyKeyset(r.filtered(ctx, db, filter), page, "transaction_date")
	if err != nil {
		return nil, err
	}
	var items []*domain.Transaction
	if err := stmt.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListAll(ctx context.Context, db *gorm.DB, filter domain.ListTransactionFilter, limit int) ([]*domain.Transaction, error) {
	var items []*domain.Transaction
	err := r.filtered(ctx, db, filter).
		Order("transaction_date desc").
		Order("id desc").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) filtered(ctx context.Context, db *gorm.DB, filter domain.ListTransactionFilter) *gorm.DB {
	stmt := db.WithContext(ctx).
		Model(&domain.Transaction{}).
		Where("transaction_date >= ? AND transaction_date < ?", filter.From, filter.To)
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	if search := strings.ToLower(strings.TrimSpace(filter.Search)); search != "" {
		like := "%" + search + "%"
		stmt = stmt.Where(
			`(LOWER(customer_name) LIKE ? OR LOWER(email) LIKE ? OR LOWER(ticket_number) LIKE ?
			  OR LOWER(currency) LIKE ? OR LOWER(iso_code) LIKE ? OR LOWER(iso_message) LIKE ?
			  OR bin LIKE ? OR LOWER(card_mask) LIKE ? OR LOWER(bank_name) LIKE ?)`,
			like, like, like, like, like, like, like, like, like,
		)
	}
	return stmt
}
