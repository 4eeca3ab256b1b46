package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/cobro/internal/ingest/domain"
	"github.com/smallbiznis/cobro/pkg/db/pagination"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const jobColumns = `id, name, file_name, storage_key, mode, status, total_rows,
	success_count, failure_count, errors, uploaded_by, created_at, updated_at, completed_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, job *domain.CollectionJob) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO collection_jobs (`+jobColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Name, job.FileName, job.StorageKey, job.Mode, job.Status, job.TotalRows,
		job.SuccessCount, job.FailureCount, job.Errors, job.UploadedBy, job.CreatedAt, job.UpdatedAt, job.CompletedAt,
	).Error
}

func (r *repo) SetStorageKey(ctx context.Context, db *gorm.DB, id snowflake.ID, key string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE collection_jobs SET storage_key = ? WHERE id = ?`,
		key, id,
	).Error
}

func (r *repo) Complete(ctx context.Context, db *gorm.DB, job *domain.CollectionJob) error {
	return db.WithContext(ctx).Exec(
		`UPDATE collection_jobs
		 SET status = ?, success_count = ?, failure_count = ?, errors = ?, updated_at = ?, completed_at = ?
		 WHERE id = ?`,
		job.Status, job.SuccessCount, job.FailureCount, job.Errors, job.UpdatedAt, job.CompletedAt, job.ID,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.CollectionJob, error) {
	var job domain.CollectionJob
	err := db.WithContext(ctx).Raw(
		`SELECT `+jobColumns+` FROM collection_jobs WHERE id = ?`,
		id,
	).Scan(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == 0 {
		return nil, nil
	}
	return &job, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, page pagination.Pagination) ([]*domain.CollectionJob, error) {
	stmt, err := pagination.ApplyKeyset(db.WithContext(ctx).Model(&domain.CollectionJob{}), page, "created_at")
	if err != nil {
		return nil, err
	}
	var jobs []*domain.CollectionJob
	if err := stmt.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}
