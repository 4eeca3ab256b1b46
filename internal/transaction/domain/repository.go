package domain

import (
	"context"

	"github.com/smallbiznis/cobro/pkg/db/pagination"
	"gorm.io/gorm"
)

// Repository is append only.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, tx *Transaction) error
	List(ctx context.Context, db *gorm.DB, filter ListTransactionFilter, page pagination.Pagination) ([]*Transaction, error)
	ListAll(ctx context.Context, db *gorm.DB, filter ListTransactionFilter, limit int) ([]*Transaction, error)
}
