package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/cobro/internal/clock"
	"github.com/smallbiznis/cobro/internal/report"
	"github.com/smallbiznis/cobro/internal/transaction/domain"
	"github.com/smallbiznis/cobro/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MaxExportRows bounds a single export; narrower date ranges get the rest.
const MaxExportRows = 10000

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Repo     domain.Repository
	Clock    clock.Clock
	Renderer report.Renderer
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	repo     domain.Repository
	clock    clock.Clock
	renderer report.Renderer
}

func New(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("transaction.service"),
		genID:    p.GenID,
		repo:     p.Repo,
		clock:    p.Clock,
		renderer: p.Renderer,
	}
}

// Record appends one attempt to the ledger.
func (s *Service) Record(ctx context.Context, tx *domain.Transaction) error {
	return s.RecordTx(ctx, s.db, tx)
}

// RecordTx is Record on the caller's handle, so the row commits together
// with the caller's state change.
func (s *Service) RecordTx(ctx context.Context, db *gorm.DB, tx *domain.Transaction) error {
	if tx == nil || strings.TrimSpace(tx.Currency) == "" {
		return domain.ErrInvalidTransaction
	}
	switch tx.Status {
	case domain.StatusApproved, domain.StatusRejected, domain.StatusPending:
	default:
		return domain.ErrInvalidStatus
	}

	now := s.clock.Now()
	if tx.ID == 0 {
		tx.ID = s.genID.Generate()
	}
	if tx.TransactionDate.IsZero() {
		tx.TransactionDate = now
	}
	tx.CreatedAt = now
	tx.Currency = strings.ToUpper(strings.TrimSpace(tx.Currency))
	if strings.TrimSpace(tx.BankName) == "" {
		tx.BankName = "Unknown"
	}

	if err := s.repo.Insert(ctx, db, tx); err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (s *Service) List(ctx context.Context, req domain.ListTransactionRequest) (domain.ListTransactionResponse, error) {
	filter, err := s.filterFrom(req)
	if err != nil {
		return domain.ListTransactionResponse{}, err
	}

	page := pagination.Pagination{PageToken: req.PageToken, PageSize: req.PageSize}.Normalize()
	items, err := s.repo.List(ctx, s.db, filter, page)
	if err != nil {
		return domain.ListTransactionResponse{}, err
	}
	items, pageInfo := pagination.BuildCursorPageInfo(items, page.PageSize, func(t *domain.Transaction) pagination.Cursor {
		return pagination.Cursor{ID: t.ID.String(), CreatedAt: t.TransactionDate.UTC().Format(time.RFC3339Nano)}
	})

	txs := make([]domain.Transaction, 0, len(items))
	for _, item := range items {
		txs = append(txs, *item)
	}
	return domain.ListTransactionResponse{
		PageInfo:     pageInfo,
		From:         filter.From,
		To:           filter.To,
		Transactions: txs,
	}, nil
}

func (s *Service) Export(ctx context.Context, req domain.ListTransactionRequest, format domain.ExportFormat) (domain.ExportFile, error) {
	format = domain.ExportFormat(strings.ToLower(strings.TrimSpace(string(format))))
	if format == "" {
		format = domain.ExportXLSX
	}
	if format != domain.ExportXLSX && format != domain.ExportPDF {
		return domain.ExportFile{}, domain.ErrUnsupportedFormat
	}

	filter, err := s.filterFrom(req)
	if err != nil {
		return domain.ExportFile{}, err
	}
	items, err := s.repo.ListAll(ctx, s.db, filter, MaxExportRows+1)
	if err != nil {
		return domain.ExportFile{}, err
	}
	if len(items) > MaxExportRows {
		return domain.ExportFile{}, domain.ErrExportLimitExceeded
	}
	txs := make([]domain.Transaction, 0, len(items))
	for _, item := range items {
		txs = append(txs, *item)
	}

	base := fmt.Sprintf("transacciones_%s_%s", filter.From.Format("20060102"), filter.To.AddDate(0, 0, -1).Format("20060102"))
	switch format {
	case domain.ExportPDF:
		body, err := s.renderer.TransactionsPDF(ctx, report.TransactionsReport{
			From:         filter.From,
			To:           filter.To,
			GeneratedAt:  s.clock.Now(),
			Transactions: txs,
		})
		if err != nil {
			return domain.ExportFile{}, fmt.Errorf("render pdf: %w", err)
		}
		return domain.ExportFile{Name: base + ".pdf", ContentType: "application/pdf", Body: body}, nil
	default:
		body, err := WriteXLSX(txs)
		if err != nil {
			return domain.ExportFile{}, fmt.Errorf("render xlsx: %w", err)
		}
		return domain.ExportFile{Name: base + ".xlsx", ContentType: XLSXContentType, Body: body}, nil
	}
}

// filterFrom defaults to the current calendar month. A To at midnight is
// read as a whole day and included.
func (s *Service) filterFrom(req domain.ListTransactionRequest) (domain.ListTransactionFilter, error) {
	filter := domain.ListTransactionFilter{Search: strings.TrimSpace(req.Search)}

	switch status := strings.ToLower(strings.TrimSpace(req.Status)); status {
	case "", "all":
	case string(domain.StatusApproved), string(domain.StatusRejected), string(domain.StatusPending):
		filter.Status = domain.Status(status)
	case "declined":
		filter.Status = domain.StatusRejected
	default:
		return filter, domain.ErrInvalidStatus
	}

	now := s.clock.Now()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	filter.From = monthStart
	filter.To = monthStart.AddDate(0, 1, 0)
	if req.From != nil {
		filter.From = req.From.UTC()
	}
	if req.To != nil {
		to := req.To.UTC()
		if to.Hour() == 0 && to.Minute() == 0 && to.Second() == 0 && to.Nanosecond() == 0 {
			to = to.AddDate(0, 0, 1)
		}
		filter.To = to
	}
	if !filter.From.Before(filter.To) {
		return filter, domain.ErrInvalidRange
	}
	return filter, nil
}
