package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/smallbiznis/cobro/internal/processor/domain"
	"github.com/smallbiznis/cobro/pkg/cardvault"
)

const providerName = "sandbox"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return providerName
}

func (f *Factory) New(cfg domain.Config) (domain.Processor, error) {
	merchant := strings.TrimSpace(cfg.PublicMerchantID)
	if merchant == "" {
		merchant = "sandbox-merchant"
	}
	return New(merchant), nil
}

// Processor is an in-process processor for local runs and tests. Charges
// are approved unless the card number ends in an odd digit, which declines
// with ISO 51.
type Processor struct {
	merchantID string
	seq        atomic.Int64

	mu            sync.Mutex
	tokens        map[string]string
	subscriptions map[string]bool
}

func New(merchantID string) *Processor {
	return &Processor{
		merchantID:    merchantID,
		tokens:        map[string]string{},
		subscriptions: map[string]bool{},
	}
}

func (p *Processor) Name() string { return providerName }

func (p *Processor) MerchantID() string { return p.merchantID }

func (p *Processor) Tokenize(ctx context.Context, card domain.Card, currency string) (domain.Token, error) {
	if err := ctx.Err(); err != nil {
		return domain.Token{}, &domain.TokenizationError{Err: err}
	}
	digits := cardvault.Digits(card.Number)
	if len(digits) < 12 || strings.TrimSpace(card.HolderName) == "" {
		return domain.Token{}, &domain.TokenizationError{
			Code:    "017",
			Message: "Tarjeta no válida",
			Err:     domain.ErrInvalidCard,
		}
	}

	token := fmt.Sprintf("sbx_tok_%d", p.seq.Add(1))
	p.mu.Lock()
	p.tokens[token] = digits
	p.mu.Unlock()

	raw, _ := json.Marshal(map[string]string{"token": token})
	return domain.Token{Value: token, Raw: raw}, nil
}

func (p *Processor) CreateSubscription(ctx context.Context, req domain.CreateSubscriptionRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &domain.ProvisioningError{Op: "create_subscription", Err: err}
	}
	if !p.knownToken(req.Token) {
		return "", &domain.ProvisioningError{Op: "create_subscription", Code: "K004", Message: "Token inválido", Err: domain.ErrMissingToken}
	}

	id := fmt.Sprintf("sbx_sub_%d", p.seq.Add(1))
	p.mu.Lock()
	p.subscriptions[id] = true
	p.mu.Unlock()
	return id, nil
}

func (p *Processor) CancelSubscription(ctx context.Context, subscriptionID string) error {
	if err := ctx.Err(); err != nil {
		return &domain.ProvisioningError{Op: "cancel_subscription", Err: err}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.subscriptions[subscriptionID] {
		return &domain.ProvisioningError{Op: "cancel_subscription", Code: "K020", Message: "Suscripción no encontrada"}
	}
	delete(p.subscriptions, subscriptionID)
	return nil
}

func (p *Processor) Charge(ctx context.Context, req domain.ChargeRequest) (domain.ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.ChargeResult{}, &domain.ChargeTransportError{Err: err}
	}
	p.mu.Lock()
	digits, ok := p.tokens[req.Token]
	p.mu.Unlock()
	if !ok {
		return domain.ChargeResult{}, &domain.ChargeTransportError{Err: domain.ErrMissingToken}
	}

	ticket := fmt.Sprintf("SBX-%06d", p.seq.Add(1))
	result := domain.ChargeResult{
		TicketNumber:  ticket,
		ProcessorName: "Sandbox Bank",
		MerchantID:    p.merchantID,
	}
	last := digits[len(digits)-1] - '0'
	if last%2 == 1 {
		result.ResponseCode = "51"
	} else {
		result.Approved = true
		result.ResponseCode = "00"
		result.ApprovalCode = strings.TrimPrefix(ticket, "SBX-")
	}
	result.RawRequest, _ = json.Marshal(map[string]any{"token": req.Token, "amount": req.Amount})
	result.RawResponse, _ = json.Marshal(map[string]any{
		"ticketNumber": result.TicketNumber,
		"approved":     result.Approved,
		"responseCode": result.ResponseCode,
		"processor":    result.ProcessorName,
	})
	return result, nil
}

// ActiveSubscriptions reports how many subscriptions are currently open.
func (p *Processor) ActiveSubscriptions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subscriptions)
}

func (p *Processor) knownToken(token string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.tokens[token]
	return ok
}
