package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/cobro/internal/clock"
	"github.com/smallbiznis/cobro/internal/config"
	"go.uber.org/zap"
)

// Action names a throttled operation.
type Action string

const (
	ActionUpload    Action = "upload"
	ActionCharge    Action = "charge"
	ActionAssistant Action = "assistant"
)

const keyFormat = "ratelimit:%s:%s"

type policy struct {
	rate  float64
	burst int
}

// Limiter applies per-actor budgets to uploads and manual charge
// execution. A nil or disabled Limiter allows everything.
type Limiter struct {
	bucket   Bucket
	policies map[Action]policy
}

func New(cfg config.Config, client *redis.Client, clk clock.Clock, log *zap.Logger) (*Limiter, error) {
	rl := cfg.RateLimit
	if !rl.Enabled {
		return nil, nil
	}
	if rl.UploadRate <= 0 || rl.UploadBurst <= 0 {
		return nil, fmt.Errorf("%w: upload", ErrInvalidRate)
	}
	if rl.ChargeRate <= 0 || rl.ChargeBurst <= 0 {
		return nil, fmt.Errorf("%w: charge", ErrInvalidRate)
	}

	var bucket Bucket
	if client != nil {
		bucket = NewTokenBucket(client)
	} else {
		log.Warn("rate limiting without redis, buckets are per process")
		bucket = NewMemory(clk)
	}
	return NewWithBucket(bucket, rl), nil
}

func NewWithBucket(bucket Bucket, rl config.RateLimitConfig) *Limiter {
	assistant := policy{rate: rl.AssistantRate, burst: rl.AssistantBurst}
	if assistant.rate <= 0 || assistant.burst <= 0 {
		assistant = policy{rate: rl.ChargeRate, burst: rl.ChargeBurst}
	}
	return &Limiter{
		bucket: bucket,
		policies: map[Action]policy{
			ActionUpload:    {rate: rl.UploadRate, burst: rl.UploadBurst},
			ActionCharge:    {rate: rl.ChargeRate, burst: rl.ChargeBurst},
			ActionAssistant: assistant,
		},
	}
}

func (l *Limiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *Limiter) Allow(ctx context.Context, action Action, actor string) (Result, error) {
	if !l.Enabled() {
		return Result{Allowed: true}, nil
	}
	p, ok := l.policies[action]
	if !ok {
		return Result{Allowed: true}, nil
	}
	actor = strings.ToLower(strings.TrimSpace(actor))
	if actor == "" {
		actor = "anonymous"
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyFormat, action, actor), p.rate, p.burst)
}
