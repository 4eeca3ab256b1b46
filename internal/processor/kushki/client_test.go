package kushki

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/smallbiznis/cobro/internal/processor/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCard = domain.Card{
	HolderName:  "Ana Torres",
	Number:      "4111111111111111",
	ExpiryMonth: "12",
	ExpiryYear:  "29",
	CVV:         "123",
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(domain.Config{
		BaseURL:           srv.URL,
		PublicMerchantID:  "pub-1",
		PrivateMerchantID: "priv-1",
		Timeout:           2 * time.Second,
	}, nil)
}

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	raw, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestTokenizeSendsPublicMerchantHeader(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/card/v1/tokens", r.URL.Path)
		assert.Equal(t, "pub-1", r.Header.Get("Public-Merchant-Id"))
		body := decodeBody(t, r)
		assert.Equal(t, "USD", body["currency"])
		card := body["card"].(map[string]any)
		assert.Equal(t, "4111111111111111", card["number"])
		assert.Equal(t, "Ana Torres", card["name"])
		_, _ = w.Write([]byte(`{"token":"tok_123"}`))
	})

	token, err := client.Tokenize(context.Background(), testCard, "")
	require.NoError(t, err)
	assert.Equal(t, "tok_123", token.Value)
}

func TestTokenizeFailureCarriesProcessorError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"K001","message":"Cuerpo de la petición inválido."}`))
	})

	_, err := client.Tokenize(context.Background(), testCard, "USD")
	var tokErr *domain.TokenizationError
	require.ErrorAs(t, err, &tokErr)
	assert.Equal(t, "K001", tokErr.Code)
	assert.Equal(t, "Cuerpo de la petición inválido.", tokErr.Message)
}

func TestTokenizeRejectsMissingFields(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("processor must not be called")
	})

	card := testCard
	card.Number = ""
	_, err := client.Tokenize(context.Background(), card, "USD")
	assert.ErrorIs(t, err, domain.ErrInvalidCard)
}

func TestCreateSubscriptionZeroesTaxes(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/subscriptions/v1/card", r.URL.Path)
		assert.Equal(t, "priv-1", r.Header.Get("Private-Merchant-Id"))
		body := decodeBody(t, r)
		amount := body["amount"].(map[string]any)
		assert.Equal(t, 0.0, amount["subtotalIva"])
		assert.Equal(t, 25.5, amount["subtotalIva0"])
		assert.Equal(t, 0.0, amount["iva"])
		assert.Equal(t, 0.0, amount["ice"])
		assert.Equal(t, "2025-03-01", body["startDate"])
		assert.Equal(t, "monthly", body["periodicity"])
		_, _ = w.Write([]byte(`{"subscriptionId":"sub_9"}`))
	})

	id, err := client.CreateSubscription(context.Background(), domain.CreateSubscriptionRequest{
		Token:       "tok",
		PlanName:    "Cobro Ana",
		Periodicity: "monthly",
		Contact:     domain.ContactDetails{Email: "ana@example.com", FirstName: "Ana", LastName: "Torres"},
		Amount:      domain.NewAmount(25.5, "usd"),
		StartDate:   time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, "sub_9", id)
}

func TestCreateSubscriptionMissingID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})

	_, err := client.CreateSubscription(context.Background(), domain.CreateSubscriptionRequest{Token: "tok"})
	var provErr *domain.ProvisioningError
	require.ErrorAs(t, err, &provErr)
	assert.ErrorIs(t, err, domain.ErrMissingSubscriptionID)
}

func TestCancelSubscription(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/subscriptions/v1/card/sub_9", r.URL.Path)
		if r.Header.Get("Private-Merchant-Id") != "priv-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, client.CancelSubscription(context.Background(), "sub_9"))
}

func TestChargeApproved(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/card/v1/charges", r.URL.Path)
		_, _ = w.Write([]byte(`{"ticketNumber":"T-1","details":{"transactionStatus":"APPROVAL","processorBankName":"Banco Guayaquil","approvalCode":"A1"}}`))
	})

	res, err := client.Charge(context.Background(), domain.ChargeRequest{Token: "tok", Amount: domain.NewAmount(10, "USD")})
	require.NoError(t, err)
	assert.True(t, res.Approved)
	assert.Equal(t, "00", res.ISOCode())
	assert.Equal(t, "T-1", res.TicketNumber)
	assert.Equal(t, "Banco Guayaquil", res.BankName())
	assert.Equal(t, "pub-1", res.MerchantID)
}

func TestChargeErrorStatusIsDeclined(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"code":"K006","message":"Transacción rechazada","details":{"responseCode":"51"}}`))
	})

	res, err := client.Charge(context.Background(), domain.ChargeRequest{Token: "tok", Amount: domain.NewAmount(10, "USD")})
	var declined *domain.ChargeDeclined
	require.ErrorAs(t, err, &declined)
	assert.Equal(t, "51", declined.ISOCode)
	assert.Equal(t, "Transacción rechazada", declined.Message)
	assert.Equal(t, "51", domain.ErrorCode(err))
	assert.False(t, res.Approved)
	assert.Equal(t, "Unknown", res.BankName())
	assert.Contains(t, string(res.RawResponse), "K006")
}

func TestChargeErrorStatusWithoutCodeIsDeclined(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := client.Charge(context.Background(), domain.ChargeRequest{Token: "tok"})
	var declined *domain.ChargeDeclined
	require.ErrorAs(t, err, &declined)
	assert.Empty(t, declined.ISOCode)
	assert.Equal(t, "kushki returned status 400", declined.Message)
}

func TestChargeTopLevelApprovedFlag(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"approved":false,"processorResponseCode":"05","processor":"Diners"}`))
	})

	res, err := client.Charge(context.Background(), domain.ChargeRequest{Token: "tok"})
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Equal(t, "05", res.ISOCode())
	assert.Equal(t, "Diners", res.BankName())
}

func TestChargeServerErrorIsTransport(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.Charge(context.Background(), domain.ChargeRequest{Token: "tok"})
	var transportErr *domain.ChargeTransportError
	assert.ErrorAs(t, err, &transportErr)
}

func TestChargeTimeoutIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	client := NewClient(domain.Config{BaseURL: srv.URL, PublicMerchantID: "p", PrivateMerchantID: "q", Timeout: 50 * time.Millisecond}, nil)
	_, err := client.Charge(context.Background(), domain.ChargeRequest{Token: "tok"})

	var transportErr *domain.ChargeTransportError
	require.ErrorAs(t, err, &transportErr)
	assert.True(t, errors.Is(err, context.DeadlineExceeded) || transportErr.Err != nil)
}

func TestRequestBodyIsRedacted(t *testing.T) {
	raw := redactCard([]byte(`{"card":{"number":"4111111111111111"},"currency":"USD"}`))
	assert.NotContains(t, string(raw), "4111")
	assert.Contains(t, string(raw), "USD")
}

func TestFactoryRequiresCredentials(t *testing.T) {
	_, err := NewFactory(nil).New(domain.Config{BaseURL: "https://api-uat.kushkipagos.com"})
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}
