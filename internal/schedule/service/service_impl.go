package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/cobro/internal/alert"
	"github.com/smallbiznis/cobro/internal/clock"
	"github.com/smallbiznis/cobro/internal/config"
	customerdomain "github.com/smallbiznis/cobro/internal/customer/domain"
	"github.com/smallbiznis/cobro/internal/lock"
	"github.com/smallbiznis/cobro/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/cobro/internal/observability/metrics"
	processordomain "github.com/smallbiznis/cobro/internal/processor/domain"
	"github.com/smallbiznis/cobro/internal/schedule/domain"
	"github.com/smallbiznis/cobro/pkg/cardvault"
	"github.com/smallbiznis/cobro/pkg/db"
	"github.com/smallbiznis/cobro/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Repo        domain.Repository
	Customers   customerdomain.Service
	Tokenizer   processordomain.Tokenizer
	Provisioner processordomain.Provisioner
	Locker      lock.Locker
	Vault       *cardvault.Vault
	Collections *config.CollectionsConfigHolder
	Config      config.Config
	Clock       clock.Clock
	Metrics     *obsmetrics.Metrics `optional:"true"`
	Alerts      alert.Notifier
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	repo        domain.Repository
	customers   customerdomain.Service
	tokenizer   processordomain.Tokenizer
	provisioner processordomain.Provisioner
	locker      lock.Locker
	vault       *cardvault.Vault
	collections *config.CollectionsConfigHolder
	clock       clock.Clock
	metrics     *obsmetrics.Metrics
	alerts      alert.Notifier
	lockTTL     time.Duration
}

func New(p Params) domain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("schedule.service"),
		genID:       p.GenID,
		repo:        p.Repo,
		customers:   p.Customers,
		tokenizer:   p.Tokenizer,
		provisioner: p.Provisioner,
		locker:      p.Locker,
		vault:       p.Vault,
		collections: p.Collections,
		clock:       p.Clock,
		metrics:     p.Metrics,
		alerts:      p.Alerts,
		lockTTL:     activationLockTTL(p.Config.Processor.Timeout),
	}
}

// activationLockTTL covers tokenize, create and a compensating cancel.
func activationLockTTL(processorTimeout time.Duration) time.Duration {
	if processorTimeout <= 0 {
		processorTimeout = 12 * time.Second
	}
	return 3*processorTimeout + 5*time.Second
}

func (s *Service) Create(ctx context.Context, req domain.CreateScheduleRequest) (domain.Schedule, error) {
	cfg := s.collections.Get()

	name := strings.TrimSpace(req.CustomerName)
	if name == "" {
		return domain.Schedule{}, domain.ErrInvalidCustomerName
	}
	email := customerdomain.NormalizeEmail(req.Email)
	if email == "" || !strings.Contains(email, "@") {
		return domain.Schedule{}, domain.ErrInvalidEmail
	}
	if req.Amount <= 0 || math.IsNaN(req.Amount) || math.IsInf(req.Amount, 0) {
		return domain.Schedule{}, domain.ErrInvalidAmount
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = cfg.DefaultCurrency
	}
	if len(currency) != 3 {
		return domain.Schedule{}, domain.ErrInvalidCurrency
	}
	frequency, ok := domain.NormalizeFrequency(req.Frequency, cfg.DefaultFrequency)
	if !ok {
		return domain.Schedule{}, domain.ErrInvalidFrequency
	}
	if req.StartDate.IsZero() {
		return domain.Schedule{}, domain.ErrInvalidStartDate
	}
	timeOfDay, err := normalizeTimeOfDay(req.TimeOfDay)
	if err != nil {
		return domain.Schedule{}, err
	}
	mode := req.Mode
	if mode == "" {
		mode = domain.ModeSubscription
	}
	if mode != domain.ModeSubscription && mode != domain.ModeOneShot {
		return domain.Schedule{}, domain.ErrInvalidMode
	}
	retryAttempts, err := retrySetting(req.RetryAttempts, cfg.DefaultRetryAttempts)
	if err != nil {
		return domain.Schedule{}, err
	}
	retryInterval, err := retrySetting(req.RetryIntervalMinutes, cfg.DefaultRetryInterval)
	if err != nil {
		return domain.Schedule{}, err
	}

	card := req.Card
	card.Number = cardvault.Digits(card.Number)
	card.HolderName = strings.TrimSpace(card.HolderName)
	if card.HolderName == "" {
		card.HolderName = name
	}
	if card.Number == "" || strings.TrimSpace(card.ExpiryMonth) == "" || strings.TrimSpace(card.ExpiryYear) == "" {
		return domain.Schedule{}, domain.ErrInvalidCard
	}
	sealed, err := s.vault.SealJSON(card)
	if err != nil {
		return domain.Schedule{}, fmt.Errorf("seal card: %w", err)
	}

	customerID := req.CustomerID
	if customerID == 0 {
		stored, err := s.customers.UpsertByEmail(ctx, []customerdomain.UpsertCustomerRequest{{
			Name:    name,
			Email:   email,
			Address: req.Address,
			City:    req.City,
			Country: req.Country,
			BIN:     cardvault.BIN(card.Number),
			Brand:   cardvault.Brand(card.Number),
			Last4:   cardvault.Last4(card.Number),
		}})
		if err != nil {
			return domain.Schedule{}, err
		}
		customerID = stored[email].ID
	}

	now := s.clock.Now()
	schedule := domain.Schedule{
		ID:                   s.genID.Generate(),
		CustomerID:           customerID,
		CollectionJobID:      req.CollectionJobID,
		CustomerName:         name,
		Email:                email,
		Address:              strings.TrimSpace(req.Address),
		City:                 strings.TrimSpace(req.City),
		Country:              strings.TrimSpace(req.Country),
		CardHolder:           card.HolderName,
		CardSealed:           sealed,
		CardBIN:              cardvault.BIN(card.Number),
		CardLast4:            cardvault.Last4(card.Number),
		CardBrand:            cardvault.Brand(card.Number),
		Amount:               math.Round(req.Amount*100) / 100,
		Currency:             currency,
		Frequency:            frequency,
		StartDate:            startOfDay(req.StartDate),
		TimeOfDay:            timeOfDay,
		Reference:            strings.TrimSpace(req.Reference),
		Mode:                 mode,
		Status:               domain.StatusInactive,
		RetryAttempts:        retryAttempts,
		RetryIntervalMinutes: retryInterval,
		CycleNumber:          1,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if mode == domain.ModeOneShot {
		first := schedule.FirstAttemptAt()
		schedule.ChargeStatus = domain.ChargeStatusPending
		schedule.NextAttemptAt = &first
	}

	if err := s.repo.Insert(ctx, s.db, &schedule); err != nil {
		if req.CustomerID != 0 && db.IsForeignKeyErr(err) {
			return domain.Schedule{}, customerdomain.ErrNotFound
		}
		return domain.Schedule{}, err
	}

	logger.WithSchedule(s.log, schedule.ID.String()).Info("schedule created",
		zap.String("mode", string(mode)),
		zap.String("frequency", frequency),
		zap.String("card", cardvault.Mask(card.Number)),
	)
	return schedule, nil
}

func (s *Service) Get(ctx context.Context, id string) (domain.Schedule, error) {
	parsed, err := ParseID(id)
	if err != nil {
		return domain.Schedule{}, err
	}
	schedule, err := s.load(ctx, parsed)
	if err != nil {
		return domain.Schedule{}, err
	}
	return *schedule, nil
}

func (s *Service) List(ctx context.Context, req domain.ListScheduleRequest) (domain.ListScheduleResponse, error) {
	filter, err := s.filterFrom(req)
	if err != nil {
		return domain.ListScheduleResponse{}, err
	}
	filter.OrderColumn = "start_date"
	return s.list(ctx, filter, req, func(sc *domain.Schedule) time.Time { return sc.StartDate })
}

func (s *Service) ListCharges(ctx context.Context, req domain.ListScheduleRequest) (domain.ListScheduleResponse, error) {
	filter, err := s.filterFrom(req)
	if err != nil {
		return domain.ListScheduleResponse{}, err
	}
	filter.Mode = domain.ModeOneShot
	filter.OrderColumn = "created_at"
	return s.list(ctx, filter, req, func(sc *domain.Schedule) time.Time { return sc.CreatedAt })
}

func (s *Service) list(ctx context.Context, filter domain.ListScheduleFilter, req domain.ListScheduleRequest, orderValue func(*domain.Schedule) time.Time) (domain.ListScheduleResponse, error) {
	page := pagination.Pagination{PageToken: req.PageToken, PageSize: req.PageSize}.Normalize()
	items, err := s.repo.List(ctx, s.db, filter, page)
	if err != nil {
		return domain.ListScheduleResponse{}, err
	}
	items, pageInfo := pagination.BuildCursorPageInfo(items, page.PageSize, func(sc *domain.Schedule) pagination.Cursor {
		return pagination.Cursor{ID: sc.ID.String(), CreatedAt: orderValue(sc).UTC().Format(time.RFC3339Nano)}
	})
	schedules := make([]domain.Schedule, 0, len(items))
	for _, item := range items {
		schedules = append(schedules, *item)
	}
	return domain.ListScheduleResponse{PageInfo: pageInfo, Schedules: schedules}, nil
}

func (s *Service) filterFrom(req domain.ListScheduleRequest) (domain.ListScheduleFilter, error) {
	filter := domain.ListScheduleFilter{
		Status:       domain.Status(strings.ToLower(strings.TrimSpace(req.Status))),
		ChargeStatus: domain.ChargeStatus(strings.ToLower(strings.TrimSpace(req.ChargeStatus))),
		Search:       strings.TrimSpace(req.Search),
	}
	if raw := strings.TrimSpace(req.Mode); raw != "" {
		mode, ok := domain.ParseMode(raw)
		if !ok {
			return filter, domain.ErrInvalidMode
		}
		filter.Mode = mode
	}
	if raw := strings.TrimSpace(req.CollectionJobID); raw != "" {
		jobID, err := snowflake.ParseString(raw)
		if err != nil {
			return filter, domain.ErrInvalidID
		}
		filter.CollectionJobID = &jobID
	}
	return filter, nil
}

func (s *Service) load(ctx context.Context, id snowflake.ID) (*domain.Schedule, error) {
	schedule, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if schedule == nil {
		return nil, domain.ErrNotFound
	}
	return schedule, nil
}

// ParseID parses a schedule id from its decimal string form.
func ParseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, domain.ErrInvalidID
	}
	return id, nil
}

func normalizeTimeOfDay(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "00:00:00", nil
	}
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.Format("15:04:05"), nil
		}
	}
	return "", domain.ErrInvalidTimeOfDay
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (s *Service) persistenceFailure(ctx context.Context, op string, id snowflake.ID, remoteRef string, err error) error {
	perr := &domain.PersistenceError{Op: op, ScheduleID: id, RemoteRef: remoteRef, Err: err}
	s.metrics.RecordPersistenceError(ctx, op)
	if s.alerts != nil {
		alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if notifyErr := s.alerts.NotifyDivergence(alertCtx, alert.Divergence{
			Operation:  op,
			ScheduleID: id.String(),
			RemoteRef:  remoteRef,
			Err:        err,
			OccurredAt: s.clock.Now(),
		}); notifyErr != nil {
			s.log.Warn("divergence alert not delivered", zap.Error(errors.Join(perr, notifyErr)))
		}
	}
	return perr
}

// retrySetting resolves an optional retry field. Nil takes def; an explicit
// zero means a single attempt (or a one minute interval).
func retrySetting(value *int, def int) (int, error) {
	if value == nil {
		return def, nil
	}
	if *value < 0 {
		return 0, domain.ErrInvalidRetryPolicy
	}
	return max(*value, 1), nil
}
