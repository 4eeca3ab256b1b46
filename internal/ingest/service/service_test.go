package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/cobro/internal/alert"
	"github.com/smallbiznis/cobro/internal/clock"
	"github.com/smallbiznis/cobro/internal/config"
	customerrepo "github.com/smallbiznis/cobro/internal/customer/repository"
	customerservice "github.com/smallbiznis/cobro/internal/customer/service"
	"github.com/smallbiznis/cobro/internal/ingest/domain"
	"github.com/smallbiznis/cobro/internal/ingest/repository"
	"github.com/smallbiznis/cobro/internal/lock"
	"github.com/smallbiznis/cobro/internal/processor/sandbox"
	scheduledomain "github.com/smallbiznis/cobro/internal/schedule/domain"
	schedulerepo "github.com/smallbiznis/cobro/internal/schedule/repository"
	scheduleservice "github.com/smallbiznis/cobro/internal/schedule/service"
	"github.com/smallbiznis/cobro/internal/storage"
	"github.com/smallbiznis/cobro/pkg/cardvault"
	"github.com/smallbiznis/cobro/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type archived struct {
	jobID       string
	name        string
	contentType string
	size        int
}

type recordingStore struct {
	mu    sync.Mutex
	calls []archived
	err   error
}

func (s *recordingStore) Archive(_ context.Context, jobID, name, contentType string, body []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.calls = append(s.calls, archived{jobID: jobID, name: name, contentType: contentType, size: len(body)})
	return storage.ObjectKey(time.Date(2025, 5, 2, 0, 0, 0, 0, time.UTC), jobID, name), nil
}

type noopNotifier struct{}

func (noopNotifier) NotifyDivergence(context.Context, alert.Divergence) error { return nil }

type harness struct {
	svc   *Service
	db    *gorm.DB
	store *recordingStore
	proc  *sandbox.Processor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := dbtest.Open(t)
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	vault, err := cardvault.New("ingest-service-test")
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2025, 5, 2, 15, 30, 0, 0, time.UTC))
	log := zaptest.NewLogger(t)
	proc := sandbox.New("merchant-1")
	collections := config.NewStaticCollectionsConfigHolder(config.DefaultCollectionsConfig())

	customers := customerservice.New(customerservice.Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Repo:  customerrepo.Provide(),
		Clock: clk,
	})
	schedules := scheduleservice.New(scheduleservice.Params{
		DB:          db,
		Log:         log,
		GenID:       node,
		Repo:        schedulerepo.Provide(),
		Customers:   customers,
		Tokenizer:   proc,
		Provisioner: proc,
		Locker:      lock.NewMemory(),
		Vault:       vault,
		Collections: collections,
		Config:      config.Config{Processor: config.ProcessorConfig{Timeout: time.Second}},
		Clock:       clk,
		Alerts:      noopNotifier{},
	})
	store := &recordingStore{}
	svc := New(Params{
		DB:          db,
		Log:         log,
		GenID:       node,
		Repo:        repository.Provide(),
		Customers:   customers,
		Schedules:   schedules,
		Store:       store,
		Collections: collections,
		Clock:       clk,
	}).(*Service)
	return &harness{svc: svc, db: db, store: store, proc: proc}
}

var header = []any{"customer_name", "email", "card_number", "card_expiry_month", "card_expiry_year", "cvv", "amount", "start_date", "time", "frequency", "attempts", "attempt_interval"}

func TestIngestSubscriptionBatch(t *testing.T) {
	h := newHarness(t)
	body := workbook(t, [][]any{
		header,
		{"Ana Pérez", "ana@example.com", "4111111111111112", "03", "28", "123", 120.5, "2025-05-10", "09:00", "monthly", "", ""},
		{"Luis Gómez", "luis@example.com", "4111111111111114", "12", "29", "", 80, "2025-05-12", "10:15", "weekly", "", ""},
		{"Sin Correo", "not-an-email", "4111111111111116", "01", "27", "", 50, "2025-05-12", "", "", "", ""},
		{"Mes Malo", "mes@example.com", "4111111111111118", "13", "27", "", 50, "2025-05-12", "", "", "", ""},
	})

	res, err := h.svc.Ingest(context.Background(), domain.Upload{
		Name:        "Mayo",
		FileName:    "mayo.xlsx",
		ContentType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		Body:        body,
		Mode:        "subscription",
		UploadedBy:  "ops@example.com",
	})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Result.Succeeded)
	assert.Equal(t, 2, res.Result.Failed)
	require.Len(t, res.Result.Errors, 2)
	assert.Equal(t, 4, res.Result.Errors[0].Row)
	assert.Contains(t, res.Result.Errors[0].Message, "email")
	assert.Equal(t, 5, res.Result.Errors[1].Row)
	assert.Contains(t, res.Result.Errors[1].Message, "expiration month")

	job := res.Job
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, 4, job.TotalRows)
	assert.Equal(t, "Mayo", job.Name)
	assert.Equal(t, scheduledomain.ModeSubscription, job.Mode)
	require.NotNil(t, job.CompletedAt)

	require.Len(t, h.store.calls, 1)
	assert.Equal(t, job.ID.String(), h.store.calls[0].jobID)
	assert.Equal(t, len(body), h.store.calls[0].size)

	stored, err := h.svc.Get(context.Background(), job.ID.String())
	require.NoError(t, err)
	assert.Equal(t, "uploads/2025/05/02/mayo-"+job.ID.String()+".xlsx", stored.StorageKey)
	assert.Equal(t, 2, stored.SuccessCount)
	assert.Equal(t, 2, stored.FailureCount)
	assert.Len(t, stored.Errors.Data(), 2)
	assert.Equal(t, "ops@example.com", stored.UploadedBy)

	var active int64
	require.NoError(t, h.db.Raw(
		`SELECT COUNT(*) FROM schedules WHERE collection_job_id = ? AND status = 'active' AND subscription_id IS NOT NULL`,
		job.ID,
	).Scan(&active).Error)
	assert.EqualValues(t, 2, active)
	assert.Equal(t, 2, h.proc.ActiveSubscriptions())
}

func TestIngestOneShotLeavesSchedulesPending(t *testing.T) {
	h := newHarness(t)
	body := []byte("customer_name,email,card_number,card_expiry_month,card_expiry_year,amount,start_date,time,attempts,attempt_interval\n" +
		"Ana,ana@example.com,4111111111111112,3,28,10,2025-05-03,08:00,3,15\n" +
		"Ana Repetida,ANA@example.com,4111111111111114,4,28,12,2025-05-04,08:00,,\n")

	res, err := h.svc.Ingest(context.Background(), domain.Upload{FileName: "lote.csv", Body: body, Mode: "one_shot"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Result.Succeeded)
	assert.Equal(t, "lote", res.Job.Name)
	assert.Empty(t, res.Result.Errors)

	var customers int64
	require.NoError(t, h.db.Raw(`SELECT COUNT(*) FROM customers`).Scan(&customers).Error)
	assert.EqualValues(t, 1, customers)

	var schedules []scheduledomain.Schedule
	require.NoError(t, h.db.Raw(`SELECT * FROM schedules ORDER BY start_date`).Scan(&schedules).Error)
	require.Len(t, schedules, 2)
	for _, s := range schedules {
		assert.Equal(t, scheduledomain.StatusInactive, s.Status)
		assert.Equal(t, scheduledomain.ChargeStatusPending, s.ChargeStatus)
		assert.Nil(t, s.SubscriptionID)
	}
	assert.Equal(t, 3, schedules[0].RetryAttempts)
	assert.Equal(t, 15, schedules[0].RetryIntervalMinutes)
	assert.Equal(t, 1, schedules[1].RetryAttempts)
	assert.Zero(t, h.proc.ActiveSubscriptions())
}

func TestIngestAllRowsFailed(t *testing.T) {
	h := newHarness(t)
	h.store.err = errors.New("bucket unavailable")
	body := []byte("customer_name,email,card_number,card_expiry_month,card_expiry_year,amount,start_date\n" +
		"Ana,ana@example.com,123,3,28,10,2025-05-03\n" +
		"Luis,luis@example.com,4111111111111112,3,28,-4,2025-05-03\n")

	res, err := h.svc.Ingest(context.Background(), domain.Upload{FileName: "bad.csv", Body: body})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, res.Job.Status)
	assert.Equal(t, 2, res.Result.Failed)
	assert.Empty(t, res.Job.StorageKey)

	var schedules int64
	require.NoError(t, h.db.Raw(`SELECT COUNT(*) FROM schedules`).Scan(&schedules).Error)
	assert.Zero(t, schedules)
}

func TestIngestRejectsBeforeCreatingJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Ingest(ctx, domain.Upload{FileName: "a.csv", Body: []byte("x"), Mode: "weekly"})
	assert.ErrorIs(t, err, domain.ErrInvalidMode)

	_, err = h.svc.Ingest(ctx, domain.Upload{FileName: "a.csv"})
	assert.ErrorIs(t, err, domain.ErrEmptyFile)

	_, err = h.svc.Ingest(ctx, domain.Upload{FileName: "a.pdf", Body: []byte("%PDF")})
	assert.ErrorIs(t, err, domain.ErrUnsupportedFile)

	_, err = h.svc.Ingest(ctx, domain.Upload{FileName: "a.csv", Body: make([]byte, MaxUploadBytes+1)})
	assert.ErrorIs(t, err, domain.ErrFileTooLarge)

	var jobs int64
	require.NoError(t, h.db.Raw(`SELECT COUNT(*) FROM collection_jobs`).Scan(&jobs).Error)
	assert.Zero(t, jobs)
	assert.Empty(t, h.store.calls)
}

func TestListAndGetJobs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	body := []byte("customer_name,email,card_number,card_expiry_month,card_expiry_year,amount,start_date\n" +
		"Ana,ana@example.com,4111111111111112,3,28,10,2025-05-03\n")
	for i := 0; i < 3; i++ {
		_, err := h.svc.Ingest(ctx, domain.Upload{FileName: "lote.csv", Body: body, Mode: "one_shot"})
		require.NoError(t, err)
	}

	first, err := h.svc.List(ctx, domain.ListJobRequest{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, first.Jobs, 2)
	assert.True(t, first.HasMore)

	second, err := h.svc.List(ctx, domain.ListJobRequest{PageSize: 2, PageToken: first.NextPageToken})
	require.NoError(t, err)
	require.Len(t, second.Jobs, 1)
	assert.False(t, second.HasMore)

	_, err = h.svc.Get(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrInvalidID)
	_, err = h.svc.Get(ctx, "12345")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
