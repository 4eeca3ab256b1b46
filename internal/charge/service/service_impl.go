package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/cobro/internal/alert"
	"github.com/smallbiznis/cobro/internal/charge/domain"
	"github.com/smallbiznis/cobro/internal/clock"
	"github.com/smallbiznis/cobro/internal/config"
	"github.com/smallbiznis/cobro/internal/events"
	"github.com/smallbiznis/cobro/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/cobro/internal/observability/metrics"
	processordomain "github.com/smallbiznis/cobro/internal/processor/domain"
	"github.com/smallbiznis/cobro/internal/processor/isocode"
	scheduledomain "github.com/smallbiznis/cobro/internal/schedule/domain"
	transactiondomain "github.com/smallbiznis/cobro/internal/transaction/domain"
	"github.com/smallbiznis/cobro/pkg/cardvault"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	Repo         scheduledomain.Repository
	Transactions transactiondomain.Service
	Processor    processordomain.Processor
	ISOCodes     isocode.Resolver
	Vault        *cardvault.Vault
	Collections  *config.CollectionsConfigHolder
	Config       config.Config
	Clock        clock.Clock
	Metrics      *obsmetrics.Metrics `optional:"true"`
	Alerts       alert.Notifier
	Events       events.Publisher
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	repo         scheduledomain.Repository
	transactions transactiondomain.Service
	processor    processordomain.Processor
	isoCodes     isocode.Resolver
	vault        *cardvault.Vault
	collections  *config.CollectionsConfigHolder
	clock        clock.Clock
	metrics      *obsmetrics.Metrics
	alerts       alert.Notifier
	events       events.Publisher
	timeout      time.Duration
}

func New(p Params) domain.Service {
	publisher := p.Events
	if publisher == nil {
		publisher = events.Noop{}
	}
	timeout := p.Config.Processor.Timeout
	if timeout <= 0 {
		timeout = 12 * time.Second
	}
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("charge.service"),
		repo:         p.Repo,
		transactions: p.Transactions,
		processor:    p.Processor,
		isoCodes:     p.ISOCodes,
		vault:        p.Vault,
		collections:  p.Collections,
		clock:        p.Clock,
		metrics:      p.Metrics,
		alerts:       p.Alerts,
		events:       publisher,
		timeout:      timeout,
	}
}

// Execute claims the schedule's pending attempt and runs it.
func (s *Service) Execute(ctx context.Context, scheduleID snowflake.ID) (domain.Outcome, error) {
	now := s.clock.Now()
	claimed, err := s.repo.ClaimAttempt(ctx, s.db, scheduleID, now)
	if err != nil {
		obsmetrics.Scheduler().IncChargeError(obsmetrics.ChargeStageClaim, err)
		return domain.Outcome{}, fmt.Errorf("claim attempt: %w", err)
	}
	if !claimed {
		schedule, err := s.repo.FindByID(ctx, s.db, scheduleID)
		if err != nil {
			return domain.Outcome{}, err
		}
		if schedule == nil {
			return domain.Outcome{}, scheduledomain.ErrNotFound
		}
		if schedule.Mode != scheduledomain.ModeOneShot {
			return domain.Outcome{}, scheduledomain.ErrNotOneShot
		}
		return domain.Outcome{}, scheduledomain.ErrChargeNotPending
	}
	obsmetrics.Scheduler().IncChargeTransition(string(scheduledomain.ChargeStatusPending), string(scheduledomain.ChargeStatusProcessing))

	schedule, err := s.repo.FindByID(ctx, s.db, scheduleID)
	if err != nil {
		return domain.Outcome{}, err
	}
	if schedule == nil {
		return domain.Outcome{}, scheduledomain.ErrNotFound
	}
	return s.run(ctx, schedule)
}

// ExecuteDue claims up to limit due attempts in one short transaction, then
// runs them outside it so no row lock is held across processor calls.
func (s *Service) ExecuteDue(ctx context.Context, limit int) (scheduledomain.BatchResult, error) {
	if limit <= 0 {
		limit = 50
	}
	now := s.clock.Now()

	var claimed []snowflake.ID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ids, err := s.repo.LockDueForCharge(ctx, tx, now, limit)
		if err != nil {
			return err
		}
		for _, id := range ids {
			ok, err := s.repo.ClaimAttempt(ctx, tx, id, now)
			if err != nil {
				return err
			}
			if ok {
				claimed = append(claimed, id)
			}
		}
		return nil
	})
	if err != nil {
		obsmetrics.Scheduler().IncChargeError(obsmetrics.ChargeStageClaim, err)
		return scheduledomain.BatchResult{}, fmt.Errorf("claim due charges: %w", err)
	}

	result := scheduledomain.BatchResult{Errors: []scheduledomain.RowError{}}
	if len(claimed) == 0 {
		return result, nil
	}
	for range claimed {
		obsmetrics.Scheduler().IncChargeTransition(string(scheduledomain.ChargeStatusPending), string(scheduledomain.ChargeStatusProcessing))
	}

	errs := make([]error, len(claimed))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.collections.Get().BulkConcurrency)
	for i, id := range claimed {
		g.Go(func() error {
			schedule, err := s.repo.FindByID(gctx, s.db, id)
			if err != nil {
				errs[i] = err
				return nil
			}
			if schedule == nil {
				errs[i] = scheduledomain.ErrNotFound
				return nil
			}
			_, errs[i] = s.run(gctx, schedule)
			return nil
		})
	}
	_ = g.Wait()

	for i, id := range claimed {
		if errs[i] != nil {
			result.Failed++
			result.Errors = append(result.Errors, scheduledomain.RowError{Row: i + 1, ID: id.String(), Message: errs[i].Error()})
			continue
		}
		result.Succeeded++
	}
	return result, nil
}

type attempt struct {
	status     transactiondomain.Status
	errorKind  transactiondomain.ErrorKind
	isoCode    string
	isoMessage string
	token      string
	result     processordomain.ChargeResult
}

// run executes a claimed attempt. The schedule must be in processing.
func (s *Service) run(ctx context.Context, schedule *scheduledomain.Schedule) (domain.Outcome, error) {
	log := logger.WithAttempt(logger.WithContext(ctx, s.log), schedule.ID.String(), schedule.CycleNumber, schedule.CurrentAttempt+1)

	a := s.callProcessor(ctx, log, schedule)
	now := s.clock.Now()

	txn := s.transactionFor(schedule, a, now)
	transition := s.transitionFor(schedule, a.status, now)

	lost := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.transactions.RecordTx(ctx, tx, txn); err != nil {
			return err
		}
		ok, err := s.repo.CompleteAttempt(ctx, tx, schedule.ID, transition)
		if err != nil {
			return err
		}
		lost = !ok
		return nil
	})
	if err != nil {
		obsmetrics.Scheduler().IncChargeError(obsmetrics.ChargeStageRecordOutcome, err)
		return domain.Outcome{}, s.persistenceFailure(ctx, "record_charge_outcome", schedule.ID, a.result.TicketNumber, err)
	}

	s.metrics.RecordChargeAttempt(ctx, s.processor.Name(), string(a.status), a.isoCode)

	outcome := domain.Outcome{
		ScheduleID:    schedule.ID,
		TransactionID: txn.ID,
		Status:        a.status,
		ErrorKind:     a.errorKind,
		ISOCode:       a.isoCode,
		ISOMessage:    a.isoMessage,
		ChargeStatus:  transition.ChargeStatus,
		AttemptNumber: txn.AttemptNumber,
		CycleNumber:   schedule.CycleNumber,
		NextAttemptAt: transition.NextAttemptAt,
	}

	if lost {
		obsmetrics.Scheduler().IncChargeError(obsmetrics.ChargeStageRecordOutcome, domain.ErrTransitionLost)
		perr := s.persistenceFailure(ctx, "charge_transition_lost", schedule.ID, a.result.TicketNumber, domain.ErrTransitionLost)
		return outcome, perr
	}
	obsmetrics.Scheduler().IncChargeTransition(string(scheduledomain.ChargeStatusProcessing), string(transition.ChargeStatus))

	s.publish(ctx, schedule, txn, outcome)

	log.Info("charge attempt recorded",
		zap.String("status", string(a.status)),
		zap.String("iso_code", a.isoCode),
		zap.String("charge_status", string(transition.ChargeStatus)),
		zap.String("transaction_id", txn.ID.String()),
	)
	return outcome, nil
}

// callProcessor talks to the processor. Every failure is folded into a rejected
// attempt so the state machine always advances.
func (s *Service) callProcessor(ctx context.Context, log *zap.Logger, schedule *scheduledomain.Schedule) attempt {
	var card processordomain.Card
	if err := s.vault.OpenJSON(schedule.CardSealed, &card); err != nil {
		log.Error("sealed card unreadable", zap.Error(err))
		return attempt{
			status:     transactiondomain.StatusRejected,
			errorKind:  transactiondomain.ErrorKindTokenization,
			isoCode:    processordomain.CodeTokenizationError,
			isoMessage: domain.MessageCardUnreadable,
		}
	}

	tokenCtx, cancel := context.WithTimeout(ctx, s.timeout)
	tok, err := s.processor.Tokenize(tokenCtx, card, schedule.Currency)
	cancel()
	if err != nil {
		log.Warn("charge tokenization failed", zap.String("code", processordomain.ErrorCode(err)), zap.Error(err))
		return attempt{
			status:     transactiondomain.StatusRejected,
			errorKind:  transactiondomain.ErrorKindTokenization,
			isoCode:    processordomain.CodeTokenizationError,
			isoMessage: processordomain.ErrorMessage(err),
		}
	}

	chargeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	res, err := s.processor.Charge(chargeCtx, processordomain.ChargeRequest{
		Token:  tok.Value,
		Amount: processordomain.NewAmount(schedule.Amount, schedule.Currency),
		Metadata: map[string]string{
			"schedule_id": schedule.ID.String(),
			"cycle":       fmt.Sprint(schedule.CycleNumber),
			"attempt":     fmt.Sprint(schedule.CurrentAttempt + 1),
		},
	})
	cancel()

	if err != nil {
		var declined *processordomain.ChargeDeclined
		if errors.As(err, &declined) {
			return attempt{
				status:     transactiondomain.StatusRejected,
				errorKind:  transactiondomain.ErrorKindDeclined,
				isoCode:    declined.ISOCode,
				isoMessage: s.isoCodes.Message(declined.ISOCode),
				token:      tok.Value,
				result:     res,
			}
		}
		log.Warn("charge transport failed", zap.Error(err))
		return attempt{
			status:     transactiondomain.StatusRejected,
			errorKind:  transactiondomain.ErrorKindTransport,
			isoCode:    processordomain.CodeTransportError,
			isoMessage: processordomain.ErrorMessage(err),
			token:      tok.Value,
			result:     res,
		}
	}

	code := res.ISOCode()
	if res.Approved {
		return attempt{
			status:     transactiondomain.StatusApproved,
			isoCode:    code,
			isoMessage: s.isoCodes.Message(code),
			token:      tok.Value,
			result:     res,
		}
	}
	return attempt{
		status:     transactiondomain.StatusRejected,
		errorKind:  transactiondomain.ErrorKindDeclined,
		isoCode:    code,
		isoMessage: s.isoCodes.Message(code),
		token:      tok.Value,
		result:     res,
	}
}

func (s *Service) transactionFor(schedule *scheduledomain.Schedule, a attempt, now time.Time) *transactiondomain.Transaction {
	scheduleID := schedule.ID
	customerID := schedule.CustomerID
	merchantID := a.result.MerchantID
	if merchantID == "" {
		merchantID = s.processor.MerchantID()
	}
	return &transactiondomain.Transaction{
		ScheduleID:      &scheduleID,
		CustomerID:      &customerID,
		CollectionJobID: schedule.CollectionJobID,
		CustomerName:    schedule.CustomerName,
		Email:           schedule.Email,
		Amount:          schedule.Amount,
		Currency:        schedule.Currency,
		Status:          a.status,
		ISOCode:         a.isoCode,
		ISOMessage:      a.isoMessage,
		ErrorKind:       a.errorKind,
		BIN:             schedule.CardBIN,
		Last4:           schedule.CardLast4,
		CardMask:        schedule.CardMask(),
		CardBrand:       schedule.CardBrand,
		BankName:        a.result.BankName(),
		Processor:       s.processor.Name(),
		ProcessorToken:  a.token,
		TicketNumber:    a.result.TicketNumber,
		ApprovalCode:    a.result.ApprovalCode,
		MerchantID:      merchantID,
		AttemptNumber:   schedule.CurrentAttempt + 1,
		CycleNumber:     schedule.CycleNumber,
		RequestPayload:  datatypes.JSON(a.result.RawRequest),
		ResponsePayload: datatypes.JSON(a.result.RawResponse),
		TransactionDate: now,
	}
}

// transitionFor applies the retry rule to an attempt that ended with status.
// Terminal cycles carry the start of the next cycle in NextAttemptAt.
func (s *Service) transitionFor(schedule *scheduledomain.Schedule, status transactiondomain.Status, now time.Time) scheduledomain.AttemptOutcome {
	outcome := scheduledomain.AttemptOutcome{AttemptedAt: now}

	switch {
	case status == transactiondomain.StatusApproved:
		outcome.ChargeStatus = scheduledomain.ChargeStatusCompleted
	case scheduledomain.ShouldRetry(schedule.CurrentAttempt, schedule.RetryAttempts):
		outcome.ChargeStatus = scheduledomain.ChargeStatusPending
		next := now.Add(s.retryInterval(schedule))
		outcome.NextAttemptAt = &next
		return outcome
	default:
		outcome.ChargeStatus = scheduledomain.ChargeStatusFailed
	}

	if next, ok := scheduledomain.CycleStart(schedule.FirstAttemptAt(), schedule.Frequency, schedule.CycleNumber+1); ok {
		outcome.NextAttemptAt = &next
	}
	return outcome
}

func (s *Service) retryInterval(schedule *scheduledomain.Schedule) time.Duration {
	minutes := schedule.RetryIntervalMinutes
	if minutes <= 0 {
		minutes = s.collections.Get().DefaultRetryInterval
	}
	return time.Duration(minutes) * time.Minute
}

func (s *Service) publish(ctx context.Context, schedule *scheduledomain.Schedule, txn *transactiondomain.Transaction, outcome domain.Outcome) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := s.events.PublishChargeOutcome(pubCtx, events.ChargeOutcomeEvent{
		ScheduleID:    schedule.ID.String(),
		TransactionID: txn.ID.String(),
		CustomerID:    schedule.CustomerID.String(),
		Email:         schedule.Email,
		Status:        string(outcome.Status),
		ChargeStatus:  string(outcome.ChargeStatus),
		ISOCode:       outcome.ISOCode,
		ISOMessage:    outcome.ISOMessage,
		Amount:        txn.Amount,
		Currency:      txn.Currency,
		AttemptNumber: outcome.AttemptNumber,
		CycleNumber:   outcome.CycleNumber,
		OccurredAt:    txn.TransactionDate,
	})
	if err != nil {
		s.log.Warn("charge outcome not published", zap.String("schedule_id", schedule.ID.String()), zap.Error(err))
	}
}

func (s *Service) persistenceFailure(ctx context.Context, op string, id snowflake.ID, remoteRef string, err error) error {
	perr := &scheduledomain.PersistenceError{Op: op, ScheduleID: id, RemoteRef: remoteRef, Err: err}
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
