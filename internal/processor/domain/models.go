package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Card is a clear-text card as handed to the processor. It is never persisted
// in this form.
type Card struct {
	HolderName  string `json:"holder_name"`
	Number      string `json:"number"`
	ExpiryMonth string `json:"expiry_month"`
	ExpiryYear  string `json:"expiry_year"`
	CVV         string `json:"cvv,omitempty"`
}

// Amount is the processor's tax breakdown. Collections are charged with the
// principal in SubtotalIva0 and every tax field zeroed.
type Amount struct {
	SubtotalIva  float64 `json:"subtotalIva"`
	SubtotalIva0 float64 `json:"subtotalIva0"`
	Iva          float64 `json:"iva"`
	Ice          float64 `json:"ice"`
	Currency     string  `json:"currency"`
}

func NewAmount(principal float64, currency string) Amount {
	return Amount{
		SubtotalIva0: principal,
		Currency:     strings.ToUpper(strings.TrimSpace(currency)),
	}
}

func (a Amount) Total() float64 {
	return a.SubtotalIva + a.SubtotalIva0 + a.Iva + a.Ice
}

type Token struct {
	Value string
	// Raw is the processor response body, kept for the transaction ledger.
	Raw json.RawMessage
}

type ContactDetails struct {
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

type CreateSubscriptionRequest struct {
	Token       string
	PlanName    string
	Periodicity string
	Contact     ContactDetails
	Amount      Amount
	StartDate   time.Time
	Metadata    map[string]string
}

type ChargeRequest struct {
	Token    string
	Amount   Amount
	Metadata map[string]string
}

// ChargeResult is what the processor answered for an executed charge,
// approved or not.
type ChargeResult struct {
	Approved              bool
	TicketNumber          string
	ApprovalCode          string
	ResponseCode          string
	ProcessorResponseCode string
	ProcessorName         string
	MerchantID            string
	RawRequest            json.RawMessage
	RawResponse           json.RawMessage
}

// ISOCode prefers the network response code over the processor's own code.
func (r ChargeResult) ISOCode() string {
	if code := strings.TrimSpace(r.ResponseCode); code != "" {
		return code
	}
	return strings.TrimSpace(r.ProcessorResponseCode)
}

// BankName falls back to "Unknown" when the processor does not name the acquirer.
func (r ChargeResult) BankName() string {
	if name := strings.TrimSpace(r.ProcessorName); name != "" {
		return name
	}
	return "Unknown"
}
