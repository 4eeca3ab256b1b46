package sandbox

import (
	"context"
	"testing"

	"github.com/smallbiznis/cobro/internal/processor/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func card(number string) domain.Card {
	return domain.Card{HolderName: "Ana", Number: number, ExpiryMonth: "01", ExpiryYear: "30"}
}

func TestSandboxApprovesEvenCards(t *testing.T) {
	p := New("m-1")
	ctx := context.Background()

	tok, err := p.Tokenize(ctx, card("4111111111111112"), "USD")
	require.NoError(t, err)

	res, err := p.Charge(ctx, domain.ChargeRequest{Token: tok.Value, Amount: domain.NewAmount(10, "USD")})
	require.NoError(t, err)
	assert.True(t, res.Approved)
	assert.Equal(t, "00", res.ISOCode())
	assert.Equal(t, "m-1", res.MerchantID)
}

func TestSandboxDeclinesOddCards(t *testing.T) {
	p := New("m-1")
	ctx := context.Background()

	tok, err := p.Tokenize(ctx, card("4111111111111111"), "USD")
	require.NoError(t, err)

	res, err := p.Charge(ctx, domain.ChargeRequest{Token: tok.Value})
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Equal(t, "51", res.ISOCode())
}

func TestSandboxSubscriptions(t *testing.T) {
	p := New("m-1")
	ctx := context.Background()

	_, err := p.CreateSubscription(ctx, domain.CreateSubscriptionRequest{Token: "nope"})
	var provErr *domain.ProvisioningError
	require.ErrorAs(t, err, &provErr)

	tok, err := p.Tokenize(ctx, card("4111111111111111"), "USD")
	require.NoError(t, err)
	id, err := p.CreateSubscription(ctx, domain.CreateSubscriptionRequest{Token: tok.Value})
	require.NoError(t, err)
	assert.Equal(t, 1, p.ActiveSubscriptions())

	require.NoError(t, p.CancelSubscription(ctx, id))
	assert.Equal(t, 0, p.ActiveSubscriptions())
	assert.Error(t, p.CancelSubscription(ctx, id))
}

func TestSandboxRejectsShortCards(t *testing.T) {
	_, err := New("m").Tokenize(context.Background(), card("4111"), "USD")
	assert.ErrorIs(t, err, domain.ErrInvalidCard)
}
