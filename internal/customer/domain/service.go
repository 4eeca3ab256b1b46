package domain

import (
	"context"
	"errors"
	"strings"

	"github.com/smallbiznis/cobro/pkg/db/pagination"
)

type ListCustomerRequest struct {
	PageToken string
	PageSize  int
	Search    string
	Country   string
}

type ListCustomerFilter struct {
	Search  string
	Country string
}

type ListCustomerResponse struct {
	pagination.PageInfo
	Customers []Customer `json:"customers"`
}

// UpsertCustomerRequest is one customer row of an uploaded batch. Card
// hints are already masked; the full number never reaches this package.
type UpsertCustomerRequest struct {
	Name    string
	Email   string
	Address string
	City    string
	Country string
	BIN     string
	Brand   string
	Last4   string
}

type Service interface {
	// UpsertByEmail resolves every request to a stored customer, keyed by
	// normalised email. Later requests for the same email win.
	UpsertByEmail(ctx context.Context, reqs []UpsertCustomerRequest) (map[string]Customer, error)
	List(ctx context.Context, req ListCustomerRequest) (ListCustomerResponse, error)
	GetByID(ctx context.Context, id string) (Customer, error)
}

var (
	ErrInvalidName  = errors.New("invalid_name")
	ErrInvalidEmail = errors.New("invalid_email")
	ErrInvalidID    = errors.New("invalid_id")
	ErrNotFound     = errors.New("not_found")
)

// NormalizeEmail is the identity customers are deduplicated on.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
