package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/cobro/pkg/db/pagination"
	"gorm.io/gorm"
)

type ListTransactionRequest struct {
	Status    string
	Search    string
	From      *time.Time
	To        *time.Time
	PageToken string
	PageSize  int
}

// ListTransactionFilter covers [From, To).
type ListTransactionFilter struct {
	Status Status
	Search string
	From   time.Time
	To     time.Time
}

type ListTransactionResponse struct {
	pagination.PageInfo
	From         time.Time     `json:"from"`
	To           time.Time     `json:"to"`
	Transactions []Transaction `json:"transactions"`
}

type ExportFormat string

const (
	ExportXLSX ExportFormat = "xlsx"
	ExportPDF  ExportFormat = "pdf"
)

type ExportFile struct {
	Name        string
	ContentType string
	Body        []byte
}

type Service interface {
	Record(ctx context.Context, tx *Transaction) error
	RecordTx(ctx context.Context, db *gorm.DB, tx *Transaction) error
	List(ctx context.Context, req ListTransactionRequest) (ListTransactionResponse, error)
	Export(ctx context.Context, req ListTransactionRequest, format ExportFormat) (ExportFile, error)
}

var (
	ErrInvalidStatus       = errors.New("invalid_status")
	ErrInvalidRange        = errors.New("invalid_date_range")
	ErrInvalidTransaction  = errors.New("invalid_transaction")
	ErrUnsupportedFormat   = errors.New("unsupported_export_format")
	ErrExportLimitExceeded = errors.New("export_limit_exceeded")
)
