// Package processortest provides testify mocks for the processor interfaces.
package processortest

import (
	"context"

	"github.com/smallbiznis/cobro/internal/processor/domain"
	"github.com/stretchr/testify/mock"
)

type MockProcessor struct {
	mock.Mock
}

var _ domain.Processor = (*MockProcessor)(nil)

func (m *MockProcessor) Name() string { return "mock" }

func (m *MockProcessor) MerchantID() string { return "mock-merchant" }

func (m *MockProcessor) Tokenize(ctx context.Context, card domain.Card, currency string) (domain.Token, error) {
	args := m.Called(ctx, card, currency)
	return args.Get(0).(domain.Token), args.Error(1)
}

func (m *MockProcessor) CreateSubscription(ctx context.Context, req domain.CreateSubscriptionRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockProcessor) CancelSubscription(ctx context.Context, subscriptionID string) error {
	args := m.Called(ctx, subscriptionID)
	return args.Error(0)
}

func (m *MockProcessor) Charge(ctx context.Context, req domain.ChargeRequest) (domain.ChargeResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(domain.ChargeResult), args.Error(1)
}
