package domain

import "time"

// Row is one normalised line of an upload. Line is the spreadsheet row
// number, counting the header as row 1.
type Row struct {
	Line int `validate:"-"`

	CustomerName string `validate:"required"`
	Email        string `validate:"required,email"`
	Address      string
	City         string
	Country      string

	CardNumber  string `validate:"required,numeric,min=12,max=19"`
	CardHolder  string
	ExpiryMonth string `validate:"required,month"`
	ExpiryYear  string `validate:"required,numeric,min=2,max=4"`
	CVV         string `validate:"omitempty,numeric,min=3,max=4"`

	Amount               float64   `validate:"gt=0"`
	Currency             string    `validate:"len=3"`
	StartDate            time.Time `validate:"required"`
	TimeOfDay            string    `validate:"required"`
	Frequency            string    `validate:"required"`
	RetryAttempts        int       `validate:"gte=1"`
	RetryIntervalMinutes int       `validate:"gte=1"`
	Reference            string
}
