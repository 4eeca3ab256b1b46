package isocode

import (
	"context"

	"gorm.io/gorm"
)

type repo struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Source {
	return &repo{db: db}
}

func (r *repo) List(ctx context.Context) ([]ISOCode, error) {
	var rows []ISOCode
	err := r.db.WithContext(ctx).Raw(
		`SELECT code, description, details FROM iso_codes ORDER BY code`,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
