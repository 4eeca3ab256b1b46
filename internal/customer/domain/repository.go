package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/cobro/pkg/db/pagination"
	"gorm.io/gorm"
)

type Repository interface {
	// Upsert inserts the customer or, when the email already exists,
	// refreshes its contact and card hints. The stored row is returned.
	Upsert(ctx context.Context, db *gorm.DB, customer *Customer) (*Customer, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Customer, error)
	FindByEmail(ctx context.Context, db *gorm.DB, email string) (*Customer, error)
	List(ctx context.Context, db *gorm.DB, filter ListCustomerFilter, page pagination.Pagination) ([]*Customer, error)
}
