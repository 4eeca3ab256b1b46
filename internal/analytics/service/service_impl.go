package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/smallbiznis/cobro/internal/analytics/domain"
	"github.com/smallbiznis/cobro/internal/cache"
	"github.com/smallbiznis/cobro/internal/clock"
	"github.com/smallbiznis/cobro/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	cacheKeyPrefix = "analytics:dashboard:"
	monthsShown    = 12
	daysShown      = 7
	topLimit       = 5
	recentLimit    = 10
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Cache  cache.Cache
	Config config.Config
	Clock  clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	cache cache.Cache
	ttl   time.Duration
	clock clock.Clock
}

func New(p Params) domain.Service {
	ttl := p.Config.AnalyticsCacheTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("analytics.service"),
		cache: p.Cache,
		ttl:   ttl,
		clock: p.Clock,
	}
}

func (s *Service) Dashboard(ctx context.Context, r domain.Range) (domain.Dashboard, error) {
	r, ok := domain.ParseRange(string(r))
	if !ok {
		return domain.Dashboard{}, domain.ErrInvalidRange
	}
	key := cacheKeyPrefix + string(r)

	if cached, found, err := s.cache.Get(ctx, key); err != nil {
		s.log.Warn("dashboard cache read failed", zap.Error(err))
	} else if found {
		var out domain.Dashboard
		if err := json.Unmarshal(cached, &out); err == nil {
			return out, nil
		}
	}

	out, err := s.build(ctx, r, s.clock.Now().UTC())
	if err != nil {
		return domain.Dashboard{}, err
	}

	if payload, err := json.Marshal(out); err == nil {
		if err := s.cache.Set(ctx, key, payload, s.ttl); err != nil {
			s.log.Warn("dashboard cache write failed", zap.Error(err))
		}
	}
	return out, nil
}

func (s *Service) Invalidate(ctx context.Context) error {
	for _, r := range []domain.Range{domain.Range7d, domain.Range30d, domain.Range90d} {
		if err := s.cache.Delete(ctx, cacheKeyPrefix+string(r)); err != nil {
			return err
		}
	}
	return nil
}

type statusTotal struct {
	Status string
	Count  int
	Amount float64
}

type ledgerPoint struct {
	Status          string
	Amount          float64
	TransactionDate time.Time
}

func (s *Service) build(ctx context.Context, r domain.Range, now time.Time) (domain.Dashboard, error) {
	db := s.db.WithContext(ctx)
	today := startOfDay(now)
	rangeFrom := today.AddDate(0, 0, -(r.Days() - 1))

	out := domain.Dashboard{GeneratedAt: now, Range: r}

	var totals []statusTotal
	if err := db.Raw(
		`SELECT status, COUNT(*) AS count, COALESCE(SUM(amount), 0) AS amount
		 FROM transactions
		 WHERE transaction_date >= ? AND transaction_date <= ?
		 GROUP BY status`,
		rangeFrom, now,
	).Scan(&totals).Error; err != nil {
		return out, fmt.Errorf("status totals: %w", err)
	}
	var approved, rejected int
	for _, t := range totals {
		out.TotalTransactions += t.Count
		switch t.Status {
		case "approved":
			approved = t.Count
			out.ApprovedAmount = round2(t.Amount)
		case "rejected":
			rejected = t.Count
		}
	}
	out.ApprovalRate = percent(approved, out.TotalTransactions)
	out.RejectionRate = percent(rejected, out.TotalTransactions)
	if approved > 0 {
		out.AverageTransaction = round2(out.ApprovedAmount / float64(approved))
	}

	var pending int64
	if err := db.Raw(
		`SELECT COUNT(*) FROM schedules WHERE mode = 'one_shot' AND charge_status = 'pending'`,
	).Scan(&pending).Error; err != nil {
		return out, fmt.Errorf("pending charges: %w", err)
	}
	out.PendingCharges = int(pending)

	if err := s.fillRecentWindow(ctx, &out, today, now); err != nil {
		return out, err
	}
	if err := s.fillMonthly(ctx, &out, now); err != nil {
		return out, err
	}

	if err := db.Raw(
		`SELECT bank_name AS bank,
		        SUM(CASE WHEN status = 'approved' THEN 1 ELSE 0 END) AS approved,
		        SUM(CASE WHEN status = 'rejected' THEN 1 ELSE 0 END) AS declined
		 FROM transactions
		 WHERE transaction_date >= ? AND transaction_date <= ?
		 GROUP BY bank_name
		 ORDER BY COUNT(*) DESC, bank_name ASC
		 LIMIT ?`,
		rangeFrom, now, topLimit,
	).Scan(&out.Banks).Error; err != nil {
		return out, fmt.Errorf("bank stats: %w", err)
	}

	if err := db.Raw(
		`SELECT currency, COUNT(*) AS count,
		        COALESCE(SUM(CASE WHEN status = 'approved' THEN amount ELSE 0 END), 0) AS amount
		 FROM transactions
		 WHERE transaction_date >= ? AND transaction_date <= ?
		 GROUP BY currency
		 ORDER BY COUNT(*) DESC, currency ASC`,
		rangeFrom, now,
	).Scan(&out.Currencies).Error; err != nil {
		return out, fmt.Errorf("currency breakdown: %w", err)
	}
	for i := range out.Currencies {
		out.Currencies[i].Amount = round2(out.Currencies[i].Amount)
	}

	if err := db.Raw(
		`SELECT iso_code AS code, MAX(iso_message) AS message, COUNT(*) AS count
		 FROM transactions
		 WHERE status = 'rejected' AND iso_code <> ''
		   AND transaction_date >= ? AND transaction_date <= ?
		 GROUP BY iso_code
		 ORDER BY COUNT(*) DESC, iso_code ASC
		 LIMIT ?`,
		rangeFrom, now, topLimit,
	).Scan(&out.TopDeclines).Error; err != nil {
		return out, fmt.Errorf("top declines: %w", err)
	}

	var recent []struct {
		ID              int64
		CustomerName    string
		Amount          float64
		Currency        string
		Status          string
		ISOCode         string
		TransactionDate time.Time
	}
	if err := db.Raw(
		`SELECT id, customer_name, amount, currency, status, iso_code, transaction_date
		 FROM transactions
		 WHERE transaction_date <= ?
		 ORDER BY transaction_date DESC, id DESC
		 LIMIT ?`,
		now, recentLimit,
	).Scan(&recent).Error; err != nil {
		return out, fmt.Errorf("recent activity: %w", err)
	}
	out.RecentActivity = make([]domain.RecentTransaction, 0, len(recent))
	for _, t := range recent {
		out.RecentActivity = append(out.RecentActivity, domain.RecentTransaction{
			ID:              strconv.FormatInt(t.ID, 10),
			CustomerName:    t.CustomerName,
			Amount:          t.Amount,
			Currency:        t.Currency,
			Status:          t.Status,
			ISOCode:         t.ISOCode,
			TransactionDate: t.TransactionDate.UTC(),
		})
	}

	if out.Banks == nil {
		out.Banks = []domain.BankStat{}
	}
	if out.Currencies == nil {
		out.Currencies = []domain.CurrencyStat{}
	}
	if out.TopDeclines == nil {
		out.TopDeclines = []domain.DeclineStat{}
	}
	return out, nil
}

// fillRecentWindow covers everything derived from the last two weeks:
// today's figures, the hourly histogram, the daily series and growth.
func (s *Service) fillRecentWindow(ctx context.Context, out *domain.Dashboard, today, now time.Time) error {
	from := today.AddDate(0, 0, -(2*daysShown - 1))
	var points []ledgerPoint
	if err := s.db.WithContext(ctx).Raw(
		`SELECT status, amount, transaction_date
		 FROM transactions
		 WHERE transaction_date >= ? AND transaction_date <= ?`,
		from, now,
	).Scan(&points).Error; err != nil {
		return fmt.Errorf("recent window: %w", err)
	}

	yesterday := today.AddDate(0, 0, -1)
	weekStart := today.AddDate(0, 0, -(daysShown - 1))
	prevWeekStart := weekStart.AddDate(0, 0, -daysShown)

	hourly := make([]domain.HourlyCount, 24)
	for h := range hourly {
		hourly[h].Hour = h
	}
	daily := make([]domain.DailySales, daysShown)
	for i := range daily {
		daily[i].Date = weekStart.AddDate(0, 0, i).Format("2006-01-02")
	}

	var thisWeek, prevWeek float64
	for _, p := range points {
		at := p.TransactionDate.UTC()
		isApproved := p.Status == "approved"

		if !at.Before(today) {
			hourly[at.Hour()].Count++
			if isApproved {
				out.TodayApproved++
				out.TodaySales += p.Amount
			}
		} else if !at.Before(yesterday) && isApproved {
			out.YesterdayApproved++
		}

		switch {
		case !at.Before(weekStart):
			idx := int(startOfDay(at).Sub(weekStart).Hours() / 24)
			if idx >= 0 && idx < daysShown {
				if isApproved {
					daily[idx].Approved++
					daily[idx].Amount += p.Amount
				} else if p.Status == "rejected" {
					daily[idx].Rejected++
				}
			}
			if isApproved {
				thisWeek += p.Amount
			}
		case !at.Before(prevWeekStart):
			if isApproved {
				prevWeek += p.Amount
			}
		}
	}

	out.TodaySales = round2(out.TodaySales)
	for i := range daily {
		daily[i].Amount = round2(daily[i].Amount)
	}
	out.Hourly = hourly
	out.Daily = daily
	out.PeakHour = peakHour(hourly)
	out.GrowthVsYesterday = growth(float64(out.TodayApproved), float64(out.YesterdayApproved))
	out.WeekOverWeekGrowth = growth(thisWeek, prevWeek)
	return nil
}

// fillMonthly sums approved sales for the current month and the eleven
// before it, oldest first.
func (s *Service) fillMonthly(ctx context.Context, out *domain.Dashboard, now time.Time) error {
	current := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	out.Monthly = make([]domain.MonthlySales, 0, monthsShown)
	for i := monthsShown - 1; i >= 0; i-- {
		start := current.AddDate(0, -i, 0)
		end := start.AddDate(0, 1, 0)
		var row struct {
			Count  int
			Amount float64
		}
		if err := s.db.WithContext(ctx).Raw(
			`SELECT COUNT(*) AS count, COALESCE(SUM(amount), 0) AS amount
			 FROM transactions
			 WHERE status = 'approved' AND transaction_date >= ? AND transaction_date < ?`,
			start, end,
		).Scan(&row).Error; err != nil {
			return fmt.Errorf("monthly sales: %w", err)
		}
		out.Monthly = append(out.Monthly, domain.MonthlySales{
			Month:  start.Format("2006-01"),
			Amount: round2(row.Amount),
			Count:  row.Count,
		})
	}
	return nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func peakHour(hourly []domain.HourlyCount) int {
	peak := 0
	for _, h := range hourly {
		if h.Count > hourly[peak].Count {
			peak = h.Hour
		}
	}
	return peak
}

func percent(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(part)/float64(total)*1000) / 10
}

// growth is the percentage change from previous to current. A start from
// zero reads as 100% when anything happened.
func growth(current, previous float64) float64 {
	if previous == 0 {
		if current > 0 {
			return 100
		}
		return 0
	}
	return math.Round((current-previous)/previous*1000) / 10
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
