package domain

import (
	"context"
	"time"
)

// Tokenizer exchanges raw card data for a processor token.
type Tokenizer interface {
	Tokenize(ctx context.Context, card Card, currency string) (Token, error)
}

// Provisioner manages recurring subscriptions on the processor side.
type Provisioner interface {
	CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (string, error)
	CancelSubscription(ctx context.Context, subscriptionID string) error
}

// Charger executes a one-shot charge against a token. A declined charge is
// returned as a result with Approved=false, not as an error.
type Charger interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
}

// Processor is a card processor integration.
type Processor interface {
	Tokenizer
	Provisioner
	Charger
	Name() string
	MerchantID() string
}

// Factory builds a Processor from configuration; registered by provider name.
type Factory interface {
	Provider() string
	New(cfg Config) (Processor, error)
}

type Config struct {
	BaseURL           string
	PublicMerchantID  string
	PrivateMerchantID string
	DefaultCurrency   string
	Timeout           time.Duration
}
