package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/cobro/pkg/db/pagination"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, job *CollectionJob) error
	SetStorageKey(ctx context.Context, db *gorm.DB, id snowflake.ID, key string) error
	Complete(ctx context.Context, db *gorm.DB, job *CollectionJob) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*CollectionJob, error)
	List(ctx context.Context, db *gorm.DB, page pagination.Pagination) ([]*CollectionJob, error)
}
