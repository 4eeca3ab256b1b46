package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	// StatusPending marks an attempt whose processor answer was never
	// observed, such as a charge recovered after a crash.
	StatusPending Status = "pending"
)

type ErrorKind string

const (
	ErrorKindNone         ErrorKind = ""
	ErrorKindDeclined     ErrorKind = "declined"
	ErrorKindTransport    ErrorKind = "transport"
	ErrorKindTokenization ErrorKind = "tokenization"
)

// Transaction is one processor attempt. Rows are immutable once written.
type Transaction struct {
	ID              snowflake.ID  `gorm:"primaryKey" json:"id"`
	ScheduleID      *snowflake.ID `gorm:"index" json:"schedule_id,omitempty"`
	CustomerID      *snowflake.ID `gorm:"index" json:"customer_id,omitempty"`
	CollectionJobID *snowflake.ID `json:"collection_job_id,omitempty"`

	CustomerName string  `json:"customer_name"`
	Email        string  `json:"email"`
	Amount       float64 `gorm:"type:numeric(18,2);not null" json:"amount"`
	Currency     string  `gorm:"not null" json:"currency"`

	Status     Status    `gorm:"not null" json:"status"`
	ISOCode    string    `gorm:"column:iso_code" json:"iso_code"`
	ISOMessage string    `gorm:"column:iso_message" json:"iso_message"`
	ErrorKind  ErrorKind `json:"error_kind,omitempty"`

	BIN       string `gorm:"column:bin" json:"bin"`
	Last4     string `gorm:"column:last4" json:"last4"`
	CardMask  string `json:"card_mask"`
	CardBrand string `json:"card_brand"`
	BankName  string `json:"bank_name"`

	Processor      string `json:"processor"`
	ProcessorToken string `json:"-"`
	TicketNumber   string `json:"ticket_number"`
	ApprovalCode   string `json:"approval_code,omitempty"`
	MerchantID     string `json:"merchant_id"`

	AttemptNumber int `json:"attempt_number"`
	CycleNumber   int `json:"cycle_number"`

	RequestPayload  datatypes.JSON `gorm:"type:jsonb" json:"request_payload,omitempty"`
	ResponsePayload datatypes.JSON `gorm:"type:jsonb" json:"response_payload,omitempty"`

	TransactionDate time.Time `gorm:"not null" json:"transaction_date"`
	CreatedAt       time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

func (Transaction) TableName() string { return "transactions" }
