package domain

import (
	"context"
	"errors"
	"time"
)

type Range string

const (
	Range7d  Range = "7d"
	Range30d Range = "30d"
	Range90d Range = "90d"
)

func ParseRange(value string) (Range, bool) {
	switch Range(value) {
	case "":
		return Range7d, true
	case Range7d, Range30d, Range90d:
		return Range(value), true
	default:
		return "", false
	}
}

func (r Range) Days() int {
	switch r {
	case Range30d:
		return 30
	case Range90d:
		return 90
	default:
		return 7
	}
}

type Dashboard struct {
	GeneratedAt time.Time `json:"generated_at"`
	Range       Range     `json:"range"`

	TodayApproved      int     `json:"today_approved"`
	TodaySales         float64 `json:"today_sales"`
	YesterdayApproved  int     `json:"yesterday_approved"`
	GrowthVsYesterday  float64 `json:"growth_vs_yesterday"`
	WeekOverWeekGrowth float64 `json:"week_over_week_growth"`

	TotalTransactions  int     `json:"total_transactions"`
	ApprovalRate       float64 `json:"approval_rate"`
	RejectionRate      float64 `json:"rejection_rate"`
	ApprovedAmount     float64 `json:"approved_amount"`
	AverageTransaction float64 `json:"average_transaction"`
	PendingCharges     int     `json:"pending_charges"`

	Monthly        []MonthlySales      `json:"monthly"`
	Daily          []DailySales        `json:"daily"`
	Hourly         []HourlyCount       `json:"hourly"`
	PeakHour       int                 `json:"peak_hour"`
	Banks          []BankStat          `json:"banks"`
	Currencies     []CurrencyStat      `json:"currencies"`
	TopDeclines    []DeclineStat       `json:"top_declines"`
	RecentActivity []RecentTransaction `json:"recent_activity"`
}

type MonthlySales struct {
	Month  string  `json:"month"`
	Amount float64 `json:"amount"`
	Count  int     `json:"count"`
}

type DailySales struct {
	Date     string  `json:"date"`
	Amount   float64 `json:"amount"`
	Approved int     `json:"approved"`
	Rejected int     `json:"rejected"`
}

type HourlyCount struct {
	Hour  int `json:"hour"`
	Count int `json:"count"`
}

type BankStat struct {
	Bank     string `json:"bank"`
	Approved int    `json:"approved"`
	Declined int    `json:"declined"`
}

type CurrencyStat struct {
	Currency string  `json:"currency"`
	Count    int     `json:"count"`
	Amount   float64 `json:"amount"`
}

type DeclineStat struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Count   int    `json:"count"`
}

type RecentTransaction struct {
	ID              string    `json:"id"`
	CustomerName    string    `json:"customer_name"`
	Amount          float64   `json:"amount"`
	Currency        string    `json:"currency"`
	Status          string    `json:"status"`
	ISOCode         string    `json:"iso_code"`
	TransactionDate time.Time `json:"transaction_date"`
}

type Service interface {
	// Dashboard aggregates the ledger as of the current time. Results are
	// cached for a short TTL.
	Dashboard(ctx context.Context, r Range) (Dashboard, error)
	Invalidate(ctx context.Context) error
}

var ErrInvalidRange = errors.New("invalid_range")
