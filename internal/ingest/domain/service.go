package domain

import (
	"context"
	"errors"

	scheduledomain "github.com/smallbiznis/cobro/internal/schedule/domain"
	"github.com/smallbiznis/cobro/pkg/db/pagination"
)

// Upload is a batch file as received from the operator.
type Upload struct {
	Name        string
	FileName    string
	ContentType string
	Body        []byte
	Mode        string
	UploadedBy  string
}

type IngestResult struct {
	Job    CollectionJob              `json:"job"`
	Result scheduledomain.BatchResult `json:"result"`
}

type ListJobRequest struct {
	PageToken string
	PageSize  int
}

type ListJobResponse struct {
	pagination.PageInfo
	Jobs []CollectionJob `json:"jobs"`
}

type Service interface {
	// Ingest stores the file, upserts its customers and creates one
	// schedule per valid row. A bad row never aborts the batch.
	Ingest(ctx context.Context, upload Upload) (IngestResult, error)
	List(ctx context.Context, req ListJobRequest) (ListJobResponse, error)
	Get(ctx context.Context, id string) (CollectionJob, error)
}

var (
	ErrEmptyFile       = errors.New("empty_file")
	ErrUnsupportedFile = errors.New("unsupported_file_type")
	ErrFileTooLarge    = errors.New("file_too_large")
	ErrMissingColumns  = errors.New("missing_required_columns")
	ErrInvalidMode     = errors.New("invalid_mode")
	ErrInvalidID       = errors.New("invalid_id")
	ErrNotFound        = errors.New("collection_job_not_found")
)
