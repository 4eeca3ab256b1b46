package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/cobro/internal/lock"
	"github.com/smallbiznis/cobro/internal/observability/logger"
	processordomain "github.com/smallbiznis/cobro/internal/processor/domain"
	"github.com/smallbiznis/cobro/internal/schedule/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	activationActivated  = "activated"
	activationDuplicate  = "duplicate"
	activationTokenize   = "tokenization_failed"
	activationProvision  = "provisioning_failed"
	activationPersist    = "persistence_failed"
	activationDeactivate = "deactivated"
)

// Activate provisions a processor subscription for an inactive schedule.
// The conditional write on subscription_id is the only guard; the lock just
// keeps concurrent callers from creating subscriptions that would then be
// compensated.
func (s *Service) Activate(ctx context.Context, id snowflake.ID) (domain.Schedule, error) {
	log := logger.WithSchedule(logger.WithContext(ctx, s.log), id.String())

	schedule, err := s.load(ctx, id)
	if err != nil {
		return domain.Schedule{}, err
	}
	if schedule.Mode != domain.ModeSubscription {
		return *schedule, domain.ErrNotSubscription
	}
	if schedule.IsActive() {
		s.metrics.RecordActivation(ctx, activationDuplicate)
		return *schedule, domain.ErrAlreadyActive
	}

	key := lock.ScheduleActivationKey(id)
	token, ok, err := s.locker.TryLock(ctx, key, s.lockTTL)
	if err != nil {
		return domain.Schedule{}, fmt.Errorf("acquire activation lock: %w", err)
	}
	if !ok {
		return domain.Schedule{}, domain.ErrActivationInProgress
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			log.Warn("release activation lock", zap.Error(err))
		}
	}()

	schedule, err = s.load(ctx, id)
	if err != nil {
		return domain.Schedule{}, err
	}
	if schedule.IsActive() {
		s.metrics.RecordActivation(ctx, activationDuplicate)
		return *schedule, domain.ErrAlreadyActive
	}

	var card processordomain.Card
	if err := s.vault.OpenJSON(schedule.CardSealed, &card); err != nil {
		return domain.Schedule{}, fmt.Errorf("open card: %w", err)
	}

	tok, err := s.tokenizer.Tokenize(ctx, card, schedule.Currency)
	if err != nil {
		s.metrics.RecordActivation(ctx, activationTokenize)
		log.Warn("activation tokenization failed", zap.String("code", processordomain.ErrorCode(err)), zap.Error(err))
		return domain.Schedule{}, err
	}

	firstName, lastName := splitName(schedule.CustomerName)
	subscriptionID, err := s.provisioner.CreateSubscription(ctx, processordomain.CreateSubscriptionRequest{
		Token:       tok.Value,
		PlanName:    s.planName(schedule),
		Periodicity: domain.Periodicity(schedule.Frequency),
		Contact: processordomain.ContactDetails{
			Email:     schedule.Email,
			FirstName: firstName,
			LastName:  lastName,
		},
		Amount:    processordomain.NewAmount(schedule.Amount, schedule.Currency),
		StartDate: s.clock.Now(),
		Metadata: map[string]string{
			"schedule_id": schedule.ID.String(),
			"reference":   schedule.Reference,
		},
	})
	if err != nil {
		s.metrics.RecordActivation(ctx, activationProvision)
		log.Warn("activation provisioning failed", zap.Error(err))
		return domain.Schedule{}, err
	}

	updated, err := s.repo.MarkActivated(ctx, s.db, id, subscriptionID, s.clock.Now())
	if err != nil {
		s.metrics.RecordActivation(ctx, activationPersist)
		return domain.Schedule{}, s.persistenceFailure(ctx, "activate", id, subscriptionID, err)
	}
	if !updated {
		s.metrics.RecordActivation(ctx, activationDuplicate)
		log.Warn("concurrent activation won, cancelling duplicate subscription", zap.String("subscription_id", subscriptionID))
		if cancelErr := s.provisioner.CancelSubscription(context.WithoutCancel(ctx), subscriptionID); cancelErr != nil {
			_ = s.persistenceFailure(ctx, "activate_compensation", id, subscriptionID, cancelErr)
		}
		current, loadErr := s.load(ctx, id)
		if loadErr != nil {
			return domain.Schedule{}, domain.ErrAlreadyActive
		}
		return *current, domain.ErrAlreadyActive
	}

	s.metrics.RecordActivation(ctx, activationActivated)
	log.Info("schedule activated", zap.String("subscription_id", subscriptionID))
	return s.reload(ctx, id)
}

// Deactivate cancels the processor subscription, then clears it locally.
func (s *Service) Deactivate(ctx context.Context, id snowflake.ID) (domain.Schedule, error) {
	log := logger.WithSchedule(logger.WithContext(ctx, s.log), id.String())

	schedule, err := s.load(ctx, id)
	if err != nil {
		return domain.Schedule{}, err
	}
	if !schedule.IsActive() {
		return *schedule, domain.ErrNotActive
	}
	subscriptionID := *schedule.SubscriptionID

	if err := s.provisioner.CancelSubscription(ctx, subscriptionID); err != nil {
		log.Warn("deactivation cancel failed", zap.String("subscription_id", subscriptionID), zap.Error(err))
		return domain.Schedule{}, err
	}

	updated, err := s.repo.MarkDeactivated(ctx, s.db, id, subscriptionID, s.clock.Now())
	if err != nil {
		return domain.Schedule{}, s.persistenceFailure(ctx, "deactivate", id, subscriptionID, err)
	}
	if !updated {
		// Someone else already moved the schedule off this subscription.
		log.Warn("schedule changed during deactivation", zap.String("subscription_id", subscriptionID))
		current, err := s.load(ctx, id)
		if err != nil {
			return domain.Schedule{}, err
		}
		if current.IsActive() {
			return *current, domain.ErrAlreadyActive
		}
		return *current, domain.ErrNotActive
	}

	s.metrics.RecordActivation(ctx, activationDeactivate)
	log.Info("schedule deactivated", zap.String("subscription_id", subscriptionID))
	return s.reload(ctx, id)
}

func (s *Service) BulkActivate(ctx context.Context, ids []snowflake.ID) domain.BatchResult {
	return s.bulk(ctx, ids, s.Activate, domain.ErrAlreadyActive)
}

func (s *Service) BulkDeactivate(ctx context.Context, ids []snowflake.ID) domain.BatchResult {
	return s.bulk(ctx, ids, s.Deactivate, domain.ErrNotActive)
}

type outcome struct {
	skipped bool
	err     error
}

// bulk runs op for every id on a bounded pool. skipErr marks schedules
// that were already in the target state.
func (s *Service) bulk(ctx context.Context, ids []snowflake.ID, op func(context.Context, snowflake.ID) (domain.Schedule, error), skipErr error) domain.BatchResult {
	outcomes := make([]outcome, len(ids))

	var g errgroup.Group
	g.SetLimit(s.collections.Get().BulkConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				outcomes[i] = outcome{err: err}
				return nil
			}
			_, err := op(ctx, id)
			if errors.Is(err, skipErr) {
				outcomes[i] = outcome{skipped: true}
				return nil
			}
			outcomes[i] = outcome{err: err}
			return nil
		})
	}
	_ = g.Wait()

	result := domain.BatchResult{Errors: []domain.RowError{}}
	for i, o := range outcomes {
		switch {
		case o.skipped:
			result.Skipped++
		case o.err != nil:
			result.Failed++
			result.Errors = append(result.Errors, domain.RowError{
				Row:     i + 1,
				ID:      ids[i].String(),
				Message: processordomain.ErrorMessage(o.err),
			})
		default:
			result.Succeeded++
		}
	}
	return result
}

func (s *Service) reload(ctx context.Context, id snowflake.ID) (domain.Schedule, error) {
	schedule, err := s.load(ctx, id)
	if err != nil {
		return domain.Schedule{}, err
	}
	return *schedule, nil
}

func (s *Service) planName(schedule *domain.Schedule) string {
	prefix := strings.TrimSpace(s.collections.Get().PlanNamePrefix)
	if schedule.Reference == "" {
		return prefix
	}
	return prefix + " " + schedule.Reference
}

// splitName derives processor contact names; the processor rejects blanks.
func splitName(full string) (string, string) {
	parts := strings.Fields(full)
	switch len(parts) {
	case 0:
		return "First", "Last"
	case 1:
		return parts[0], "Last"
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}
