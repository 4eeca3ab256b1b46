package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	"github.com/smallbiznis/cobro/internal/clock"
	"github.com/smallbiznis/cobro/internal/config"
	customerdomain "github.com/smallbiznis/cobro/internal/customer/domain"
	"github.com/smallbiznis/cobro/internal/ingest/domain"
	obsmetrics "github.com/smallbiznis/cobro/internal/observability/metrics"
	processordomain "github.com/smallbiznis/cobro/internal/processor/domain"
	scheduledomain "github.com/smallbiznis/cobro/internal/schedule/domain"
	"github.com/smallbiznis/cobro/internal/storage"
	"github.com/smallbiznis/cobro/pkg/cardvault"
	"github.com/smallbiznis/cobro/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// MaxUploadBytes matches the limit shown to operators.
const MaxUploadBytes = 10 << 20

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Repo        domain.Repository
	Customers   customerdomain.Service
	Schedules   scheduledomain.Service
	Store       storage.Store
	Collections *config.CollectionsConfigHolder
	Clock       clock.Clock
	Metrics     *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	repo        domain.Repository
	customers   customerdomain.Service
	schedules   scheduledomain.Service
	store       storage.Store
	collections *config.CollectionsConfigHolder
	clock       clock.Clock
	metrics     *obsmetrics.Metrics
	validate    *validator.Validate
}

func New(p Params) domain.Service {
	store := p.Store
	if store == nil {
		store = storage.Noop{}
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("ingest.service"),
		genID:       p.GenID,
		repo:        p.Repo,
		customers:   p.Customers,
		schedules:   p.Schedules,
		store:       store,
		collections: p.Collections,
		clock:       p.Clock,
		metrics:     p.Metrics,
		validate:    newValidator(),
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("month", func(fl validator.FieldLevel) bool {
		n, err := strconv.Atoi(fl.Field().String())
		return err == nil && n >= 1 && n <= 12
	})
	return v
}

func (s *Service) Ingest(ctx context.Context, upload domain.Upload) (domain.IngestResult, error) {
	mode, ok := scheduledomain.ParseMode(upload.Mode)
	if !ok {
		return domain.IngestResult{}, domain.ErrInvalidMode
	}
	if len(upload.Body) == 0 {
		return domain.IngestResult{}, domain.ErrEmptyFile
	}
	if len(upload.Body) > MaxUploadBytes {
		return domain.IngestResult{}, domain.ErrFileTooLarge
	}
	fileName := filepath.Base(strings.TrimSpace(upload.FileName))
	rows, err := readRows(fileName, upload.Body)
	if err != nil {
		return domain.IngestResult{}, err
	}

	now := s.clock.Now()
	name := strings.TrimSpace(upload.Name)
	if name == "" {
		name = strings.TrimSuffix(fileName, filepath.Ext(fileName))
	}
	job := domain.CollectionJob{
		ID:         s.genID.Generate(),
		Name:       name,
		FileName:   fileName,
		Mode:       mode,
		Status:     domain.JobStatusProcessing,
		TotalRows:  len(rows),
		Errors:     datatypes.NewJSONType([]scheduledomain.RowError{}),
		UploadedBy: strings.TrimSpace(upload.UploadedBy),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.Insert(ctx, s.db, &job); err != nil {
		return domain.IngestResult{}, fmt.Errorf("insert collection job: %w", err)
	}
	log := s.log.With(zap.String("collection_job_id", job.ID.String()), zap.String("mode", string(mode)))

	key, err := s.store.Archive(ctx, job.ID.String(), fileName, upload.ContentType, upload.Body)
	if err != nil {
		log.Warn("upload not archived", zap.Error(err))
	} else if key != "" {
		job.StorageKey = key
		if err := s.repo.SetStorageKey(ctx, s.db, job.ID, key); err != nil {
			log.Warn("storage key not saved", zap.String("key", key), zap.Error(err))
		}
	}

	result := s.process(ctx, log, job, rows)

	completedAt := s.clock.Now()
	job.SuccessCount = result.Succeeded
	job.FailureCount = result.Failed
	job.Errors = datatypes.NewJSONType(result.Errors)
	job.UpdatedAt = completedAt
	job.CompletedAt = &completedAt
	job.Status = domain.JobStatusCompleted
	if result.Succeeded == 0 {
		job.Status = domain.JobStatusFailed
	}
	if err := s.repo.Complete(ctx, s.db, &job); err != nil {
		return domain.IngestResult{Job: job, Result: result}, fmt.Errorf("complete collection job: %w", err)
	}

	source := strings.TrimPrefix(strings.ToLower(filepath.Ext(fileName)), ".")
	s.metrics.RecordIngestRows(ctx, source, "success", result.Succeeded)
	s.metrics.RecordIngestRows(ctx, source, "failure", result.Failed)
	log.Info("collection job processed",
		zap.Int("total", job.TotalRows),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
	)
	return domain.IngestResult{Job: job, Result: result}, nil
}

// process parses, validates and creates one schedule per row.
func (s *Service) process(ctx context.Context, log *zap.Logger, job domain.CollectionJob, raws []rawRow) scheduledomain.BatchResult {
	cfg := s.collections.Get()
	result := scheduledomain.BatchResult{Errors: []scheduledomain.RowError{}}

	valid := make([]domain.Row, 0, len(raws))
	for _, raw := range raws {
		row, err := parseRow(raw, cfg)
		if err == nil {
			err = s.validateRow(row)
		}
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, scheduledomain.RowError{Row: raw.line, Message: err.Error()})
			continue
		}
		valid = append(valid, row)
	}
	if len(valid) == 0 {
		return result
	}

	reqs := make([]customerdomain.UpsertCustomerRequest, 0, len(valid))
	for _, row := range valid {
		reqs = append(reqs, customerdomain.UpsertCustomerRequest{
			Name:    row.CustomerName,
			Email:   row.Email,
			Address: row.Address,
			City:    row.City,
			Country: row.Country,
			BIN:     cardvault.BIN(row.CardNumber),
			Brand:   cardvault.Brand(row.CardNumber),
			Last4:   cardvault.Last4(row.CardNumber),
		})
	}
	customers, err := s.customers.UpsertByEmail(ctx, reqs)
	if err != nil {
		log.Error("customer upsert failed", zap.Error(err))
		for _, row := range valid {
			result.Failed++
			result.Errors = append(result.Errors, scheduledomain.RowError{Row: row.Line, Message: "customer upsert failed: " + err.Error()})
		}
		sortRowErrors(result.Errors)
		return result
	}

	rowErrs := make([]*scheduledomain.RowError, len(valid))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.BulkConcurrency)
	for i, row := range valid {
		g.Go(func() error {
			rowErrs[i] = s.createRow(gctx, job, row, customers)
			return nil
		})
	}
	_ = g.Wait()

	for _, rowErr := range rowErrs {
		if rowErr != nil {
			result.Failed++
			result.Errors = append(result.Errors, *rowErr)
			continue
		}
		result.Succeeded++
	}
	sortRowErrors(result.Errors)
	return result
}

func (s *Service) createRow(ctx context.Context, job domain.CollectionJob, row domain.Row, customers map[string]customerdomain.Customer) *scheduledomain.RowError {
	customer, ok := customers[customerdomain.NormalizeEmail(row.Email)]
	if !ok {
		return &scheduledomain.RowError{Row: row.Line, Message: "customer not found"}
	}
	jobID := job.ID
	schedule, err := s.schedules.Create(ctx, scheduledomain.CreateScheduleRequest{
		CustomerID:      customer.ID,
		CollectionJobID: &jobID,
		CustomerName:    row.CustomerName,
		Email:           row.Email,
		Address:         row.Address,
		City:            row.City,
		Country:         row.Country,
		Card: processordomain.Card{
			HolderName:  row.CardHolder,
			Number:      row.CardNumber,
			ExpiryMonth: row.ExpiryMonth,
			ExpiryYear:  row.ExpiryYear,
			CVV:         row.CVV,
		},
		Amount:               row.Amount,
		Currency:             row.Currency,
		Frequency:            row.Frequency,
		StartDate:            row.StartDate,
		TimeOfDay:            row.TimeOfDay,
		Reference:            row.Reference,
		Mode:                 job.Mode,
		RetryAttempts:        &row.RetryAttempts,
		RetryIntervalMinutes: &row.RetryIntervalMinutes,
	})
	if err != nil {
		return &scheduledomain.RowError{Row: row.Line, Message: err.Error()}
	}
	if job.Mode != scheduledomain.ModeSubscription {
		return nil
	}
	if _, err := s.schedules.Activate(ctx, schedule.ID); err != nil {
		return &scheduledomain.RowError{
			Row:     row.Line,
			ID:      schedule.ID.String(),
			Message: "activation failed: " + processordomain.ErrorMessage(err),
		}
	}
	return nil
}

// validateRow reports the first failing field in operator terms.
func (s *Service) validateRow(row domain.Row) error {
	err := s.validate.Struct(row)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	return fmt.Errorf("invalid %s (%s)", fieldLabel(fe.Field()), fe.Tag())
}

var fieldLabels = map[string]string{
	"CustomerName":         "customer name",
	"Email":                "email",
	"CardNumber":           "card number",
	"ExpiryMonth":          "expiration month",
	"ExpiryYear":           "expiration year",
	"CVV":                  "cvv",
	"Amount":               "amount",
	"Currency":             "currency",
	"StartDate":            "start date",
	"TimeOfDay":            "time",
	"Frequency":            "frequency",
	"RetryAttempts":        "attempts",
	"RetryIntervalMinutes": "attempt interval",
}

func fieldLabel(field string) string {
	if label, ok := fieldLabels[field]; ok {
		return label
	}
	return field
}

func sortRowErrors(errs []scheduledomain.RowError) {
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Row < errs[j].Row })
}

func (s *Service) List(ctx context.Context, req domain.ListJobRequest) (domain.ListJobResponse, error) {
	page := pagination.Pagination{PageToken: req.PageToken, PageSize: req.PageSize}.Normalize()
	items, err := s.repo.List(ctx, s.db, page)
	if err != nil {
		return domain.ListJobResponse{}, err
	}
	items, pageInfo := pagination.BuildCursorPageInfo(items, page.PageSize, func(j *domain.CollectionJob) pagination.Cursor {
		return pagination.Cursor{ID: j.ID.String(), CreatedAt: j.CreatedAt.UTC().Format(time.RFC3339Nano)}
	})
	jobs := make([]domain.CollectionJob, 0, len(items))
	for _, item := range items {
		jobs = append(jobs, *item)
	}
	return domain.ListJobResponse{PageInfo: pageInfo, Jobs: jobs}, nil
}

func (s *Service) Get(ctx context.Context, id string) (domain.CollectionJob, error) {
	jobID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil {
		return domain.CollectionJob{}, domain.ErrInvalidID
	}
	job, err := s.repo.FindByID(ctx, s.db, jobID)
	if err != nil {
		return domain.CollectionJob{}, err
	}
	if job == nil {
		return domain.CollectionJob{}, domain.ErrNotFound
	}
	return *job, nil
}
