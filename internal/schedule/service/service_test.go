package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/cobro/internal/alert"
	"github.com/smallbiznis/cobro/internal/clock"
	"github.com/smallbiznis/cobro/internal/config"
	customerrepo "github.com/smallbiznis/cobro/internal/customer/repository"
	customerservice "github.com/smallbiznis/cobro/internal/customer/service"
	"github.com/smallbiznis/cobro/internal/lock"
	processordomain "github.com/smallbiznis/cobro/internal/processor/domain"
	"github.com/smallbiznis/cobro/internal/processor/processortest"
	"github.com/smallbiznis/cobro/internal/processor/sandbox"
	"github.com/smallbiznis/cobro/internal/schedule/domain"
	"github.com/smallbiznis/cobro/internal/schedule/repository"
	"github.com/smallbiznis/cobro/pkg/cardvault"
	"github.com/smallbiznis/cobro/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []alert.Divergence
}

func (n *recordingNotifier) NotifyDivergence(_ context.Context, d alert.Divergence) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, d)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

type harness struct {
	svc    *Service
	db     *gorm.DB
	clock  *clock.FakeClock
	alerts *recordingNotifier
}

func newHarness(t *testing.T, proc processordomain.Processor) *harness {
	t.Helper()
	db := dbtest.Open(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	vault, err := cardvault.New("schedule-service-test")
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC))
	log := zaptest.NewLogger(t)
	alerts := &recordingNotifier{}

	customers := customerservice.New(customerservice.Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Repo:  customerrepo.Provide(),
		Clock: clk,
	})
	svc := New(Params{
		DB:          db,
		Log:         log,
		GenID:       node,
		Repo:        repository.Provide(),
		Customers:   customers,
		Tokenizer:   proc,
		Provisioner: proc,
		Locker:      lock.NewMemory(),
		Vault:       vault,
		Collections: config.NewStaticCollectionsConfigHolder(config.DefaultCollectionsConfig()),
		Config:      config.Config{Processor: config.ProcessorConfig{Timeout: time.Second}},
		Clock:       clk,
		Alerts:      alerts,
	}).(*Service)

	return &harness{svc: svc, db: db, clock: clk, alerts: alerts}
}

func (h *harness) create(t *testing.T, number string, mode domain.Mode) domain.Schedule {
	t.Helper()
	schedule, err := h.svc.Create(context.Background(), domain.CreateScheduleRequest{
		CustomerName: "María José Andrade",
		Email:        "Maria@Example.com",
		Card: processordomain.Card{
			HolderName:  "MARIA J ANDRADE",
			Number:      number,
			ExpiryMonth: "12",
			ExpiryYear:  "29",
			CVV:         "123",
		},
		Amount:    25.499,
		Frequency: "Monthly",
		StartDate: time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC),
		TimeOfDay: "09:30",
		Reference: "INV-1",
		Mode:      mode,
	})
	require.NoError(t, err)
	return schedule
}

func assertActiveInvariant(t *testing.T, db *gorm.DB) {
	t.Helper()
	var violations int64
	require.NoError(t, db.Raw(
		`SELECT COUNT(*) FROM schedules
		 WHERE (status = 'active' AND subscription_id IS NULL)
		    OR (status <> 'active' AND subscription_id IS NOT NULL)`,
	).Scan(&violations).Error)
	assert.Zero(t, violations, "status=active must match subscription_id presence")
}

func TestCreateNormalizesAndSealsCard(t *testing.T) {
	h := newHarness(t, sandbox.New("m"))
	schedule := h.create(t, "4111 1111 1111 1112", domain.ModeOneShot)

	assert.Equal(t, domain.StatusInactive, schedule.Status)
	assert.Nil(t, schedule.SubscriptionID)
	assert.Equal(t, "maria@example.com", schedule.Email)
	assert.Equal(t, "USD", schedule.Currency)
	assert.Equal(t, "monthly", schedule.Frequency)
	assert.Equal(t, 25.5, schedule.Amount)
	assert.Equal(t, "09:30:00", schedule.TimeOfDay)
	assert.Equal(t, 1, schedule.RetryAttempts)
	assert.Equal(t, 5, schedule.RetryIntervalMinutes)
	assert.Equal(t, 1, schedule.CycleNumber)
	assert.Equal(t, domain.ChargeStatusPending, schedule.ChargeStatus)
	require.NotNil(t, schedule.NextAttemptAt)
	assert.Equal(t, time.Date(2025, 6, 15, 9, 30, 0, 0, time.UTC), *schedule.NextAttemptAt)
	assert.Equal(t, "411111", schedule.CardBIN)
	assert.Equal(t, "1112", schedule.CardLast4)
	assert.Equal(t, "Visa", schedule.CardBrand)
	assert.NotContains(t, schedule.CardSealed, "4111111111111112")

	var card processordomain.Card
	require.NoError(t, h.svc.vault.OpenJSON(schedule.CardSealed, &card))
	assert.Equal(t, "4111111111111112", card.Number)
	assert.Equal(t, "123", card.CVV)

	stored, err := h.svc.Get(context.Background(), schedule.ID.String())
	require.NoError(t, err)
	assert.NotZero(t, stored.CustomerID)
}

func TestCreateSubscriptionModeHasNoChargeState(t *testing.T) {
	h := newHarness(t, sandbox.New("m"))
	schedule := h.create(t, "4111111111111112", domain.ModeSubscription)
	assert.Equal(t, domain.ChargeStatusNone, schedule.ChargeStatus)
	assert.Nil(t, schedule.NextAttemptAt)
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	h := newHarness(t, sandbox.New("m"))
	base := domain.CreateScheduleRequest{
		CustomerName: "Ana",
		Email:        "ana@example.com",
		Card:         processordomain.Card{Number: "4111111111111111", ExpiryMonth: "1", ExpiryYear: "30"},
		Amount:       10,
		StartDate:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	cases := []struct {
		name   string
		mutate func(*domain.CreateScheduleRequest)
		want   error
	}{
		{"amount", func(r *domain.CreateScheduleRequest) { r.Amount = 0 }, domain.ErrInvalidAmount},
		{"email", func(r *domain.CreateScheduleRequest) { r.Email = "ana" }, domain.ErrInvalidEmail},
		{"frequency", func(r *domain.CreateScheduleRequest) { r.Frequency = "fortnightly-ish" }, domain.ErrInvalidFrequency},
		{"time", func(r *domain.CreateScheduleRequest) { r.TimeOfDay = "25:99" }, domain.ErrInvalidTimeOfDay},
		{"card", func(r *domain.CreateScheduleRequest) { r.Card.Number = "" }, domain.ErrInvalidCard},
		{"start", func(r *domain.CreateScheduleRequest) { r.StartDate = time.Time{} }, domain.ErrInvalidStartDate},
		{"mode", func(r *domain.CreateScheduleRequest) { r.Mode = "weird" }, domain.ErrInvalidMode},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := base
			tc.mutate(&req)
			_, err := h.svc.Create(context.Background(), req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestCreateRetryPolicy(t *testing.T) {
	h := newHarness(t, sandbox.New("m"))
	cfg := config.DefaultCollectionsConfig()
	cfg.DefaultRetryAttempts = 3
	cfg.DefaultRetryInterval = 15
	h.svc.collections = config.NewStaticCollectionsConfigHolder(cfg)

	intp := func(n int) *int { return &n }
	cases := []struct {
		name             string
		attempts         *int
		interval         *int
		wantAttempts     int
		wantIntervalMins int
		wantErr          error
	}{
		{name: "defaults", wantAttempts: 3, wantIntervalMins: 15},
		{name: "explicit zero", attempts: intp(0), interval: intp(0), wantAttempts: 1, wantIntervalMins: 1},
		{name: "explicit", attempts: intp(5), interval: intp(30), wantAttempts: 5, wantIntervalMins: 30},
		{name: "negative", attempts: intp(-1), wantErr: domain.ErrInvalidRetryPolicy},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			schedule, err := h.svc.Create(context.Background(), domain.CreateScheduleRequest{
				CustomerName:         "Ana",
				Email:                fmt.Sprintf("ana%d@example.com", i),
				Card:                 processordomain.Card{Number: "4111111111111111", ExpiryMonth: "1", ExpiryYear: "30"},
				Amount:               10,
				StartDate:            time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
				RetryAttempts:        tc.attempts,
				RetryIntervalMinutes: tc.interval,
			})
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantAttempts, schedule.RetryAttempts)
			assert.Equal(t, tc.wantIntervalMins, schedule.RetryIntervalMinutes)
		})
	}
}

func TestActivateProvisionsSubscriptionOnce(t *testing.T) {
	proc := sandbox.New("m")
	h := newHarness(t, proc)
	schedule := h.create(t, "4111111111111112", domain.ModeSubscription)
	ctx := context.Background()

	activated, err := h.svc.Activate(ctx, schedule.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, activated.Status)
	require.NotNil(t, activated.SubscriptionID)
	assert.Equal(t, 1, proc.ActiveSubscriptions())

	again, err := h.svc.Activate(ctx, schedule.ID)
	assert.ErrorIs(t, err, domain.ErrAlreadyActive)
	assert.Equal(t, *activated.SubscriptionID, *again.SubscriptionID)
	assert.Equal(t, 1, proc.ActiveSubscriptions())
	assertActiveInvariant(t, h.db)
}

func TestActivateConcurrentCallersCreateOneSubscription(t *testing.T) {
	proc := sandbox.New("m")
	h := newHarness(t, proc)
	schedule := h.create(t, "4111111111111112", domain.ModeSubscription)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Activate(context.Background(), schedule.ID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, domain.ErrAlreadyActive) || errors.Is(err, domain.ErrActivationInProgress), "unexpected error %v", err)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, proc.ActiveSubscriptions())
	assertActiveInvariant(t, h.db)
}

func TestActivateCompensatesWhenAnotherWriterWins(t *testing.T) {
	proc := &processortest.MockProcessor{}
	h := newHarness(t, proc)
	schedule := h.create(t, "4111111111111112", domain.ModeSubscription)

	proc.On("Tokenize", mock.Anything, mock.Anything, "USD").Return(processordomain.Token{Value: "tok"}, nil)
	proc.On("CreateSubscription", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			// another replica activates the schedule while our call is in flight
			require.NoError(t, h.db.Exec(
				`UPDATE schedules SET status = 'active', subscription_id = 'sub_winner' WHERE id = ?`, schedule.ID,
			).Error)
		}).
		Return("sub_loser", nil)
	proc.On("CancelSubscription", mock.Anything, "sub_loser").Return(nil)

	current, err := h.svc.Activate(context.Background(), schedule.ID)
	assert.ErrorIs(t, err, domain.ErrAlreadyActive)
	require.NotNil(t, current.SubscriptionID)
	assert.Equal(t, "sub_winner", *current.SubscriptionID)
	proc.AssertCalled(t, "CancelSubscription", mock.Anything, "sub_loser")
	assertActiveInvariant(t, h.db)
}

func TestActivateOneShotScheduleNeverProvisions(t *testing.T) {
	proc := &processortest.MockProcessor{}
	h := newHarness(t, proc)
	schedule := h.create(t, "4111111111111112", domain.ModeOneShot)
	ctx := context.Background()

	current, err := h.svc.Activate(ctx, schedule.ID)
	assert.ErrorIs(t, err, domain.ErrNotSubscription)
	assert.Equal(t, domain.StatusInactive, current.Status)
	assert.Nil(t, current.SubscriptionID)

	result := h.svc.BulkActivate(ctx, []snowflake.ID{schedule.ID})
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)

	proc.AssertNotCalled(t, "Tokenize", mock.Anything, mock.Anything, mock.Anything)
	proc.AssertNotCalled(t, "CreateSubscription", mock.Anything, mock.Anything)

	stored, err := h.svc.Get(ctx, schedule.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.ChargeStatusPending, stored.ChargeStatus)
	assertActiveInvariant(t, h.db)
}

func TestActivateTokenizationFailureLeavesScheduleInactive(t *testing.T) {
	proc := &processortest.MockProcessor{}
	h := newHarness(t, proc)
	schedule := h.create(t, "4111111111111112", domain.ModeSubscription)

	proc.On("Tokenize", mock.Anything, mock.Anything, "USD").
		Return(processordomain.Token{}, &processordomain.TokenizationError{Code: "017", Message: "Tarjeta no válida"})

	_, err := h.svc.Activate(context.Background(), schedule.ID)
	var tokErr *processordomain.TokenizationError
	require.ErrorAs(t, err, &tokErr)
	assert.Equal(t, "017", tokErr.Code)
	proc.AssertNotCalled(t, "CreateSubscription", mock.Anything, mock.Anything)

	stored, err := h.svc.Get(context.Background(), schedule.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInactive, stored.Status)
	assert.Nil(t, stored.SubscriptionID)
}

func TestActivateProvisioningFailureLeavesScheduleInactive(t *testing.T) {
	proc := &processortest.MockProcessor{}
	h := newHarness(t, proc)
	schedule := h.create(t, "4111111111111112", domain.ModeSubscription)

	proc.On("Tokenize", mock.Anything, mock.Anything, "USD").Return(processordomain.Token{Value: "tok"}, nil)
	proc.On("CreateSubscription", mock.Anything, mock.MatchedBy(func(req processordomain.CreateSubscriptionRequest) bool {
		return req.Token == "tok" &&
			req.Periodicity == "monthly" &&
			req.Amount.SubtotalIva0 == 25.5 && req.Amount.SubtotalIva == 0 &&
			req.Contact.FirstName == "María" && req.Contact.LastName == "José Andrade" &&
			req.StartDate.Equal(h.clock.Now())
	})).Return("", &processordomain.ProvisioningError{Op: "create_subscription", Code: "K001", Message: "Plan inválido"})

	_, err := h.svc.Activate(context.Background(), schedule.ID)
	var provErr *processordomain.ProvisioningError
	require.ErrorAs(t, err, &provErr)

	stored, err := h.svc.Get(context.Background(), schedule.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInactive, stored.Status)
	assertActiveInvariant(t, h.db)
}

func TestActivatePersistenceFailureAlerts(t *testing.T) {
	proc := &processortest.MockProcessor{}
	h := newHarness(t, proc)
	schedule := h.create(t, "4111111111111112", domain.ModeSubscription)

	proc.On("Tokenize", mock.Anything, mock.Anything, "USD").Return(processordomain.Token{Value: "tok"}, nil)
	proc.On("CreateSubscription", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			require.NoError(t, h.db.Exec(`ALTER TABLE schedules RENAME TO schedules_unavailable`).Error)
		}).
		Return("sub_1", nil)

	_, err := h.svc.Activate(context.Background(), schedule.ID)
	var perr *domain.PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "activate", perr.Op)
	assert.Equal(t, "sub_1", perr.RemoteRef)
	assert.Equal(t, 1, h.alerts.count())
}

func TestActivateHeldLockReportsInProgress(t *testing.T) {
	proc := sandbox.New("m")
	h := newHarness(t, proc)
	schedule := h.create(t, "4111111111111112", domain.ModeSubscription)

	_, ok, err := h.svc.locker.TryLock(context.Background(), lock.ScheduleActivationKey(schedule.ID), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = h.svc.Activate(context.Background(), schedule.ID)
	assert.ErrorIs(t, err, domain.ErrActivationInProgress)
	assert.Zero(t, proc.ActiveSubscriptions())
}

func TestDeactivate(t *testing.T) {
	proc := sandbox.New("m")
	h := newHarness(t, proc)
	schedule := h.create(t, "4111111111111112", domain.ModeSubscription)
	ctx := context.Background()

	_, err := h.svc.Deactivate(ctx, schedule.ID)
	assert.ErrorIs(t, err, domain.ErrNotActive)

	_, err = h.svc.Activate(ctx, schedule.ID)
	require.NoError(t, err)

	deactivated, err := h.svc.Deactivate(ctx, schedule.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInactive, deactivated.Status)
	assert.Nil(t, deactivated.SubscriptionID)
	assert.Zero(t, proc.ActiveSubscriptions())
	assertActiveInvariant(t, h.db)

	reactivated, err := h.svc.Activate(ctx, schedule.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, reactivated.Status)
}

func TestDeactivateCancelFailureKeepsScheduleActive(t *testing.T) {
	proc := &processortest.MockProcessor{}
	h := newHarness(t, proc)
	schedule := h.create(t, "4111111111111112", domain.ModeSubscription)
	require.NoError(t, h.db.Exec(
		`UPDATE schedules SET status = 'active', subscription_id = 'sub_1' WHERE id = ?`, schedule.ID,
	).Error)

	proc.On("CancelSubscription", mock.Anything, "sub_1").
		Return(&processordomain.ProvisioningError{Op: "cancel_subscription", Err: context.DeadlineExceeded})

	_, err := h.svc.Deactivate(context.Background(), schedule.ID)
	var provErr *processordomain.ProvisioningError
	require.ErrorAs(t, err, &provErr)

	stored, err := h.svc.Get(context.Background(), schedule.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, stored.Status)
	assertActiveInvariant(t, h.db)
}

func TestBulkActivateIsolatesOutcomes(t *testing.T) {
	proc := sandbox.New("m")
	h := newHarness(t, proc)
	ok := h.create(t, "4111111111111112", domain.ModeSubscription)
	already := h.create(t, "5500000000000004", domain.ModeSubscription)
	bad := h.create(t, "4111", domain.ModeSubscription)

	_, err := h.svc.Activate(context.Background(), already.ID)
	require.NoError(t, err)

	result := h.svc.BulkActivate(context.Background(), []snowflake.ID{ok.ID, already.ID, bad.ID})
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, 3, result.Errors[0].Row)
	assert.Equal(t, bad.ID.String(), result.Errors[0].ID)
	assert.Equal(t, "Tarjeta no válida", result.Errors[0].Message)
	assert.Equal(t, 2, proc.ActiveSubscriptions())
	assertActiveInvariant(t, h.db)

	result = h.svc.BulkDeactivate(context.Background(), []snowflake.ID{ok.ID, already.ID, bad.ID})
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 1, result.Skipped)
	assert.Zero(t, proc.ActiveSubscriptions())
}

func TestListOrdersByStartDate(t *testing.T) {
	h := newHarness(t, sandbox.New("m"))
	ctx := context.Background()
	for i, day := range []int{3, 20, 11} {
		_, err := h.svc.Create(ctx, domain.CreateScheduleRequest{
			CustomerName: "C",
			Email:        "c@example.com",
			Card:         processordomain.Card{Number: "4111111111111111", ExpiryMonth: "1", ExpiryYear: "30"},
			Amount:       float64(i + 1),
			StartDate:    time.Date(2025, 7, day, 0, 0, 0, 0, time.UTC),
			Mode:         domain.ModeOneShot,
		})
		require.NoError(t, err)
	}

	resp, err := h.svc.List(ctx, domain.ListScheduleRequest{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, resp.Schedules, 2)
	assert.Equal(t, 20, resp.Schedules[0].StartDate.Day())
	assert.Equal(t, 11, resp.Schedules[1].StartDate.Day())
	assert.True(t, resp.HasMore)

	charges, err := h.svc.ListCharges(ctx, domain.ListScheduleRequest{ChargeStatus: "pending"})
	require.NoError(t, err)
	assert.Len(t, charges.Schedules, 3)
}
