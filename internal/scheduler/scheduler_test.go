package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	chargedomain "github.com/smallbiznis/cobro/internal/charge/domain"
	obsmetrics "github.com/smallbiznis/cobro/internal/observability/metrics"
	scheduledomain "github.com/smallbiznis/cobro/internal/schedule/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type fakeCharges struct {
	mu        sync.Mutex
	calls     []string
	due       []scheduledomain.BatchResult
	stuck     []scheduledomain.BatchResult
	cycles    []scheduledomain.BatchResult
	dueErr    error
	threshold time.Duration
	limits    []int
}

func (f *fakeCharges) Execute(context.Context, snowflake.ID) (chargedomain.Outcome, error) {
	return chargedomain.Outcome{}, errors.New("not used")
}

func (f *fakeCharges) next(name string, queue *[]scheduledomain.BatchResult, limit int) scheduledomain.BatchResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	f.limits = append(f.limits, limit)
	if len(*queue) == 0 {
		return scheduledomain.BatchResult{}
	}
	r := (*queue)[0]
	*queue = (*queue)[1:]
	return r
}

func (f *fakeCharges) ExecuteDue(_ context.Context, limit int) (scheduledomain.BatchResult, error) {
	if f.dueErr != nil {
		f.next(JobExecuteDueCharges, &f.due, limit)
		return scheduledomain.BatchResult{}, f.dueErr
	}
	return f.next(JobExecuteDueCharges, &f.due, limit), nil
}

func (f *fakeCharges) RecoverStuck(_ context.Context, threshold time.Duration, limit int) (scheduledomain.BatchResult, error) {
	f.threshold = threshold
	return f.next(JobRecoverStuckCharges, &f.stuck, limit), nil
}

func (f *fakeCharges) OpenDueCycles(_ context.Context, limit int) (scheduledomain.BatchResult, error) {
	return f.next(JobOpenNextCycles, &f.cycles, limit), nil
}

type countingPusher struct {
	pushes int
	err    error
}

func (p *countingPusher) Push(context.Context) error {
	p.pushes++
	return p.err
}

func newTestScheduler(t *testing.T, charges *fakeCharges, cfg Config) (*Scheduler, *countingPusher) {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	pusher := &countingPusher{}
	s, err := New(Params{
		Log:     zaptest.NewLogger(t),
		Charges: charges,
		GenID:   node,
		Pusher:  pusher,
		Config:  cfg,
	})
	require.NoError(t, err)
	return s, pusher
}

func full(n int) scheduledomain.BatchResult {
	return scheduledomain.BatchResult{Succeeded: n}
}

func TestRunOnceOrdersJobsAndPushesMetrics(t *testing.T) {
	charges := &fakeCharges{}
	s, pusher := newTestScheduler(t, charges, Config{BatchSize: 10, RecoveryThreshold: 20 * time.Minute})

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, []string{JobRecoverStuckCharges, JobOpenNextCycles, JobExecuteDueCharges}, charges.calls)
	assert.Equal(t, []int{10, 10, 10}, charges.limits)
	assert.Equal(t, 20*time.Minute, charges.threshold)
	assert.Equal(t, 1, pusher.pushes)
}

func TestDrainStopsOnShortBatch(t *testing.T) {
	charges := &fakeCharges{
		due: []scheduledomain.BatchResult{
			full(3),
			{Succeeded: 2, Failed: 1, Errors: []scheduledomain.RowError{{Row: 3, ID: "42", Message: "charge_transition_lost"}}},
			{Succeeded: 1},
			full(3),
		},
	}
	s, _ := newTestScheduler(t, charges, Config{BatchSize: 3, EnabledJobs: []string{JobExecuteDueCharges}})

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, []string{JobExecuteDueCharges, JobExecuteDueCharges, JobExecuteDueCharges}, charges.calls)
	assert.Len(t, charges.due, 1)
}

func TestDrainIsBoundedPerRun(t *testing.T) {
	charges := &fakeCharges{}
	for i := 0; i < 10; i++ {
		charges.cycles = append(charges.cycles, full(2))
	}
	s, _ := newTestScheduler(t, charges, Config{BatchSize: 2, MaxBatchesPerRun: 4, EnabledJobs: []string{"OPEN_NEXT_CYCLES"}})

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Len(t, charges.calls, 4)
	assert.Len(t, charges.cycles, 6)
}

func TestRunOnceReturnsJobErrors(t *testing.T) {
	charges := &fakeCharges{dueErr: errors.New("connection refused")}
	s, pusher := newTestScheduler(t, charges, Config{})
	pusher.err = errors.New("gateway down")

	err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), JobExecuteDueCharges)
	assert.Equal(t, 1, pusher.pushes)
}

func TestIsJobEnabled(t *testing.T) {
	s := &Scheduler{cfg: Config{}}
	assert.True(t, s.isJobEnabled(JobOpenNextCycles))

	s.cfg.EnabledJobs = []string{" execute_due_charges "}
	assert.True(t, s.isJobEnabled(JobExecuteDueCharges))
	assert.False(t, s.isJobEnabled(JobRecoverStuckCharges))
}

func TestNewRequiresChargeService(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRunForeverStopsOnCancel(t *testing.T) {
	charges := &fakeCharges{}
	s, _ := newTestScheduler(t, charges, Config{RunInterval: 5 * time.Millisecond, EnabledJobs: []string{JobOpenNextCycles}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.RunForever(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		charges.mu.Lock()
		defer charges.mu.Unlock()
		return len(charges.calls) >= 2
	}, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunForever did not stop")
	}
}

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()

	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{
		ServiceName: "cobro",
		Environment: "test",
	})

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	s := &Scheduler{log: zap.NewNop(), genID: node}
	err = s.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	labels := map[string]string{
		"service": "cobro",
		"env":     "test",
		"job":     "timeout_job",
	}
	assert.Equal(t, 1.0, getCounterValue(t, registry, "cobro_scheduler_job_timeouts_total", labels))

	errorLabels := map[string]string{
		"service": "cobro",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	assert.Equal(t, 1.0, getCounterValue(t, registry, "cobro_scheduler_job_errors_total", errorLabels))
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	require.NoError(t, err)
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			require.NotNil(t, metric.Counter, "metric %s is not a counter", name)
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
