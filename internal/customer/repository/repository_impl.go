package repository

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/cobro/internal/customer/domain"
	"github.com/smallbiznis/cobro/pkg/db/pagination"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const customerColumns = `id, name, email, address, city, country, bin, brand, last4, processor_token, metadata, created_at, updated_at`

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, customer *domain.Customer) (*domain.Customer, error) {
	err := db.WithContext(ctx).Exec(
		`INSERT INTO customers (id, name, email, address, city, country, bin, brand, last4, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (email) DO UPDATE SET
		   name = excluded.name,
		   address = excluded.address,
		   city = excluded.city,
		   country = excluded.country,
		   bin = CASE WHEN excluded.bin <> '' THEN excluded.bin ELSE customers.bin END,
		   brand = CASE WHEN excluded.brand <> '' THEN excluded.brand ELSE customers.brand END,
		   last4 = CASE WHEN excluded.last4 <> '' THEN excluded.last4 ELSE customers.last4 END,
		   updated_at = excluded.updated_at`,
		customer.ID,
		customer.Name,
		customer.Email,
		customer.Address,
		customer.City,
		customer.Country,
		customer.BIN,
		customer.Brand,
		customer.Last4,
		customer.Metadata,
		customer.CreatedAt,
		customer.UpdatedAt,
	).Error
	if err != nil {
		return nil, err
	}
	return r.FindByEmail(ctx, db, customer.Email)
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Customer, error) {
	var customer domain.Customer
	err := db.WithContext(ctx).Raw(
		`SELECT `+customerColumns+` FROM customers WHERE id = ?`,
		id,
	).Scan(&customer).Error
	if err != nil {
		return nil, err
	}
	if customer.ID == 0 {
		return nil, nil
	}
	return &customer, nil
}

func (r *repo) FindByEmail(ctx context.Context, db *gorm.DB, email string) (*domain.Customer, error) {
	var customer domain.Customer
	err := db.WithContext(ctx).Raw(
		`SELECT `+customerColumns+` FROM customers WHERE email = ?`,
		email,
	).Scan(&customer).Error
	if err != nil {
		return nil, err
	}
	if customer.ID == 0 {
		return nil, nil
	}
	return &customer, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListCustomerFilter, page pagination.Pagination) ([]*domain.Customer, error) {
	var customers []*domain.Customer
	stmt := db.WithContext(ctx).Model(&domain.Customer{})
	if search := strings.ToLower(strings.TrimSpace(filter.Search)); search != "" {
		like := "%" + search + "%"
		stmt = stmt.Where("(LOWER(name) LIKE ? OR email LIKE ?)", like, like)
	}
	if filter.Country != "" {
		stmt = stmt.Where("country = ?", filter.Country)
	}
	stmt, err := pagination.ApplyKeyset(stmt, page, "created_at")
	if err != nil {
		return nil, err
	}
	if err := stmt.Find(&customers).Error; err != nil {
		return nil, err
	}
	return customers, nil
}
