package kushki

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	obsmetrics "github.com/smallbiznis/cobro/internal/observability/metrics"
	"github.com/smallbiznis/cobro/internal/observability/tracing"
	"github.com/smallbiznis/cobro/internal/processor/domain"
)

const (
	providerName   = "kushki"
	defaultTimeout = 12 * time.Second
	maxBodyBytes   = 1 << 20

	headerPublicMerchant  = "Public-Merchant-Id"
	headerPrivateMerchant = "Private-Merchant-Id"

	transactionStatusApproval = "APPROVAL"
)

type Factory struct {
	metrics *obsmetrics.Metrics
}

func NewFactory(metrics *obsmetrics.Metrics) *Factory {
	return &Factory{metrics: metrics}
}

func (f *Factory) Provider() string {
	return providerName
}

func (f *Factory) New(cfg domain.Config) (domain.Processor, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" || strings.TrimSpace(cfg.PublicMerchantID) == "" || strings.TrimSpace(cfg.PrivateMerchantID) == "" {
		return nil, domain.ErrInvalidConfig
	}
	return NewClient(cfg, f.metrics), nil
}

// Client talks to the Kushki card and subscription APIs.
type Client struct {
	baseURL           string
	publicMerchantID  string
	privateMerchantID string
	defaultCurrency   string
	timeout           time.Duration
	http              *http.Client
	metrics           *obsmetrics.Metrics
}

func NewClient(cfg domain.Config, metrics *obsmetrics.Metrics) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	currency := strings.ToUpper(strings.TrimSpace(cfg.DefaultCurrency))
	if currency == "" {
		currency = "USD"
	}
	return &Client{
		baseURL:           strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		publicMerchantID:  strings.TrimSpace(cfg.PublicMerchantID),
		privateMerchantID: strings.TrimSpace(cfg.PrivateMerchantID),
		defaultCurrency:   currency,
		timeout:           timeout,
		http:              tracing.WrapHTTPClient(&http.Client{Timeout: timeout}),
		metrics:           metrics,
	}
}

func (c *Client) Name() string { return providerName }

func (c *Client) MerchantID() string { return c.publicMerchantID }

type cardPayload struct {
	Name        string `json:"name"`
	Number      string `json:"number"`
	ExpiryMonth string `json:"expiryMonth"`
	ExpiryYear  string `json:"expiryYear"`
	CVV         string `json:"cvv,omitempty"`
}

type tokenRequest struct {
	Card        cardPayload `json:"card"`
	TotalAmount float64     `json:"totalAmount,omitempty"`
	Currency    string      `json:"currency"`
}

type tokenResponse struct {
	Token string `json:"token"`
	errorBody
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) Tokenize(ctx context.Context, card domain.Card, currency string) (domain.Token, error) {
	if err := validateCard(card); err != nil {
		return domain.Token{}, &domain.TokenizationError{Message: err.Error(), Err: domain.ErrInvalidCard}
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = c.defaultCurrency
	}

	body := tokenRequest{
		Card: cardPayload{
			Name:        strings.TrimSpace(card.HolderName),
			Number:      card.Number,
			ExpiryMonth: strings.TrimSpace(card.ExpiryMonth),
			ExpiryYear:  strings.TrimSpace(card.ExpiryYear),
			CVV:         strings.TrimSpace(card.CVV),
		},
		Currency: currency,
	}

	res, err := c.do(ctx, "tokenize", http.MethodPost, "/card/v1/tokens", headerPublicMerchant, c.publicMerchantID, body)
	if err != nil {
		return domain.Token{}, &domain.TokenizationError{Err: err}
	}

	var decoded tokenResponse
	_ = json.Unmarshal(res.body, &decoded)
	if !res.ok() || strings.TrimSpace(decoded.Token) == "" {
		return domain.Token{}, &domain.TokenizationError{
			Code:    decoded.Code,
			Message: fallbackMessage(decoded.Message, res.status),
			Err:     domain.ErrMissingToken,
		}
	}
	return domain.Token{Value: decoded.Token, Raw: res.body}, nil
}

type subscriptionRequest struct {
	Token          string                `json:"token"`
	PlanName       string                `json:"planName"`
	Periodicity    string                `json:"periodicity"`
	ContactDetails domain.ContactDetails `json:"contactDetails"`
	Amount         domain.Amount         `json:"amount"`
	StartDate      string                `json:"startDate"`
	Metadata       map[string]string     `json:"metadata,omitempty"`
}

type subscriptionResponse struct {
	SubscriptionID string `json:"subscriptionId"`
	errorBody
}

func (c *Client) CreateSubscription(ctx context.Context, req domain.CreateSubscriptionRequest) (string, error) {
	if strings.TrimSpace(req.Token) == "" {
		return "", &domain.ProvisioningError{Op: "create_subscription", Err: domain.ErrMissingToken}
	}
	startDate := req.StartDate
	if startDate.IsZero() {
		startDate = time.Now().UTC()
	}
	amount := req.Amount
	if amount.Currency == "" {
		amount.Currency = c.defaultCurrency
	}

	body := subscriptionRequest{
		Token:          req.Token,
		PlanName:       req.PlanName,
		Periodicity:    req.Periodicity,
		ContactDetails: req.Contact,
		Amount:         amount,
		StartDate:      startDate.Format("2006-01-02"),
		Metadata:       req.Metadata,
	}

	res, err := c.do(ctx, "create_subscription", http.MethodPost, "/subscriptions/v1/card", headerPrivateMerchant, c.privateMerchantID, body)
	if err != nil {
		return "", &domain.ProvisioningError{Op: "create_subscription", Err: err}
	}

	var decoded subscriptionResponse
	_ = json.Unmarshal(res.body, &decoded)
	if !res.ok() {
		return "", &domain.ProvisioningError{
			Op:      "create_subscription",
			Code:    decoded.Code,
			Message: fallbackMessage(decoded.Message, res.status),
		}
	}
	if strings.TrimSpace(decoded.SubscriptionID) == "" {
		return "", &domain.ProvisioningError{Op: "create_subscription", Err: domain.ErrMissingSubscriptionID}
	}
	return decoded.SubscriptionID, nil
}

func (c *Client) CancelSubscription(ctx context.Context, subscriptionID string) error {
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return &domain.ProvisioningError{Op: "cancel_subscription", Err: domain.ErrMissingSubscriptionID}
	}

	res, err := c.do(ctx, "cancel_subscription", http.MethodDelete, "/subscriptions/v1/card/"+subscriptionID, headerPrivateMerchant, c.privateMerchantID, nil)
	if err != nil {
		return &domain.ProvisioningError{Op: "cancel_subscription", Err: err}
	}
	if !res.ok() {
		var decoded errorBody
		_ = json.Unmarshal(res.body, &decoded)
		return &domain.ProvisioningError{
			Op:      "cancel_subscription",
			Code:    decoded.Code,
			Message: fallbackMessage(decoded.Message, res.status),
		}
	}
	return nil
}

type chargeRequest struct {
	Token        string            `json:"token"`
	Amount       domain.Amount     `json:"amount"`
	FullResponse bool              `json:"fullResponse"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type chargeResponse struct {
	TicketNumber          string        `json:"ticketNumber"`
	ApprovalCode          string        `json:"approvalCode"`
	Approved              *bool         `json:"approved"`
	ResponseCode          string        `json:"responseCode"`
	ProcessorResponseCode string        `json:"processorResponseCode"`
	Processor             string        `json:"processor"`
	Details               chargeDetails `json:"details"`
	errorBody
}

type chargeDetails struct {
	ResponseCode          string `json:"responseCode"`
	ProcessorResponseCode string `json:"processorResponseCode"`
	ResponseText          string `json:"responseText"`
	ProcessorName         string `json:"processorName"`
	ProcessorBankName     string `json:"processorBankName"`
	TransactionStatus     string `json:"transactionStatus"`
	ApprovalCode          string `json:"approvalCode"`
}

// Charge executes a one-shot charge. A 2xx refusal comes back as a result
// with Approved=false. A 4xx refusal also returns the result, paired with a
// *domain.ChargeDeclined. A missing answer (network, timeout, 5xx) is a
// *domain.ChargeTransportError.
func (c *Client) Charge(ctx context.Context, req domain.ChargeRequest) (domain.ChargeResult, error) {
	if strings.TrimSpace(req.Token) == "" {
		return domain.ChargeResult{}, &domain.ChargeTransportError{Err: domain.ErrMissingToken}
	}
	amount := req.Amount
	if amount.Currency == "" {
		amount.Currency = c.defaultCurrency
	}
	body := chargeRequest{
		Token:        req.Token,
		Amount:       amount,
		FullResponse: true,
		Metadata:     req.Metadata,
	}

	res, err := c.do(ctx, "charge", http.MethodPost, "/card/v1/charges", headerPrivateMerchant, c.privateMerchantID, body)
	if err != nil {
		return domain.ChargeResult{}, &domain.ChargeTransportError{Err: err}
	}
	if res.status >= http.StatusInternalServerError {
		return domain.ChargeResult{}, &domain.ChargeTransportError{
			Err: fmt.Errorf("kushki_charge_status_%d", res.status),
		}
	}

	var decoded chargeResponse
	if err := json.Unmarshal(res.body, &decoded); err != nil && res.ok() {
		return domain.ChargeResult{}, &domain.ChargeTransportError{Err: fmt.Errorf("decode charge response: %w", err)}
	}

	result := domain.ChargeResult{
		TicketNumber:          decoded.TicketNumber,
		ApprovalCode:          firstNonEmpty(decoded.ApprovalCode, decoded.Details.ApprovalCode),
		ResponseCode:          firstNonEmpty(decoded.ResponseCode, decoded.Details.ResponseCode),
		ProcessorResponseCode: firstNonEmpty(decoded.ProcessorResponseCode, decoded.Details.ProcessorResponseCode, decoded.Code),
		ProcessorName:         firstNonEmpty(decoded.Processor, decoded.Details.ProcessorBankName, decoded.Details.ProcessorName),
		MerchantID:            c.publicMerchantID,
		RawRequest:            res.request,
		RawResponse:           res.body,
	}

	if !res.ok() {
		return result, &domain.ChargeDeclined{
			ISOCode: result.ISOCode(),
			Message: fallbackMessage(firstNonEmpty(decoded.Message, decoded.Details.ResponseText), res.status),
		}
	}

	switch {
	case decoded.Approved != nil:
		result.Approved = *decoded.Approved
	case decoded.Details.TransactionStatus != "":
		result.Approved = strings.EqualFold(decoded.Details.TransactionStatus, transactionStatusApproval)
	default:
		result.Approved = decoded.TicketNumber != "" && decoded.Code == ""
	}
	if result.Approved && result.ResponseCode == "" {
		result.ResponseCode = "00"
	}
	return result, nil
}

type response struct {
	status  int
	request json.RawMessage
	body    json.RawMessage
}

func (r response) ok() bool {
	return r.status >= 200 && r.status < 300
}

// do performs one JSON call bounded by the client timeout. Only transport
// failures are returned as errors; HTTP error statuses are left to callers.
func (c *Client) do(ctx context.Context, op, method, path, authHeader, authValue string, payload any) (response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var (
		reqBody []byte
		reader  io.Reader
	)
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return response{}, err
		}
		reqBody = encoded
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return response{}, err
	}
	req.Header.Set(authHeader, authValue)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.RecordProcessorCall(ctx, providerName, op, "error", time.Since(start))
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return response{}, fmt.Errorf("kushki %s: %w", op, context.DeadlineExceeded)
		}
		return response{}, fmt.Errorf("kushki %s: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	c.metrics.RecordProcessorCall(ctx, providerName, op, strconv.Itoa(resp.StatusCode), time.Since(start))
	if err != nil {
		return response{}, fmt.Errorf("kushki %s: read body: %w", op, err)
	}

	return response{
		status:  resp.StatusCode,
		request: redactCard(reqBody),
		body:    body,
	}, nil
}

func validateCard(card domain.Card) error {
	var missing []string
	if strings.TrimSpace(card.HolderName) == "" {
		missing = append(missing, "name")
	}
	if strings.TrimSpace(card.Number) == "" {
		missing = append(missing, "number")
	}
	if strings.TrimSpace(card.ExpiryMonth) == "" {
		missing = append(missing, "expiryMonth")
	}
	if strings.TrimSpace(card.ExpiryYear) == "" {
		missing = append(missing, "expiryYear")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing card fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// redactCard keeps request bodies storable: card payloads never leave this package.
func redactCard(body []byte) json.RawMessage {
	if len(body) == 0 {
		return nil
	}
	var generic map[string]any
	if err := json.Unmarshal(body, &generic); err != nil {
		return nil
	}
	if _, ok := generic["card"]; ok {
		generic["card"] = "[redacted]"
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil
	}
	return out
}

func fallbackMessage(message string, status int) string {
	if message = strings.TrimSpace(message); message != "" {
		return message
	}
	return fmt.Sprintf("kushki returned status %d", status)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
