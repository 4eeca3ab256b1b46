package metricspush

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/prometheus/prompb"
	"github.com/smallbiznis/cobro/internal/config"
	obstracing "github.com/smallbiznis/cobro/internal/observability/tracing"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/protoadapt"
)

const (
	ExporterRemoteWrite = "prometheus_remote_write"
	ExporterPushgateway = "prometheus_pushgateway"

	pushTimeout = 5 * time.Second
)

// Pusher ships the process metrics somewhere a scraper cannot reach us,
// typically after a scheduler run in a short-lived worker.
type Pusher interface {
	Push(ctx context.Context) error
}

type Noop struct{}

func (Noop) Push(context.Context) error { return nil }

// New returns Noop when METRICS_PUSH_EXPORTER is unset or misconfigured.
// A bad push configuration never stops the process.
func New(cfg config.Config, log *zap.Logger) Pusher {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("metricspush")
	exporter := cfg.Push.Exporter
	if exporter == "" {
		return Noop{}
	}
	if cfg.Push.Endpoint == "" {
		log.Warn("metrics push disabled", zap.Error(errors.New("METRICS_PUSH_ENDPOINT is required")))
		return Noop{}
	}

	switch exporter {
	case ExporterRemoteWrite:
		if _, err := url.ParseRequestURI(cfg.Push.Endpoint); err != nil {
			log.Warn("metrics push disabled", zap.Error(fmt.Errorf("invalid METRICS_PUSH_ENDPOINT: %w", err)))
			return Noop{}
		}
		return NewRemoteWrite(cfg.Push.Endpoint, cfg.Push.AuthToken, prometheus.DefaultGatherer)
	case ExporterPushgateway:
		return NewPushgateway(cfg.Push.Endpoint, cfg.AppName+"-scheduler", prometheus.DefaultGatherer, map[string]string{
			"environment": cfg.Environment,
			"machine_id":  fmt.Sprint(cfg.MachineID),
		})
	default:
		log.Warn("metrics push disabled", zap.String("exporter", exporter))
		return Noop{}
	}
}

type RemoteWrite struct {
	endpoint   string
	authToken  string
	gatherer   prometheus.Gatherer
	httpClient *http.Client
	now        func() time.Time
}

func NewRemoteWrite(endpoint, authToken string, gatherer prometheus.Gatherer) *RemoteWrite {
	return &RemoteWrite{
		endpoint:   endpoint,
		authToken:  strings.TrimSpace(authToken),
		gatherer:   gatherer,
		httpClient: obstracing.WrapHTTPClient(&http.Client{Timeout: pushTimeout}),
		now:        time.Now,
	}
}

func (p *RemoteWrite) Push(ctx context.Context) error {
	families, err := p.gatherer.Gather()
	if err != nil {
		return err
	}
	series := toSeries(families, p.now().UnixMilli())
	if len(series) == 0 {
		return nil
	}

	payload, err := proto.Marshal(protoadapt.MessageV2Of(&prompb.WriteRequest{Timeseries: series}))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(snappy.Encode(nil, payload)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	if p.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.authToken)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("remote write returned %s", resp.Status)
	}
	return nil
}

type Pushgateway struct {
	endpoint string
	job      string
	gatherer prometheus.Gatherer
	grouping map[string]string
}

func NewPushgateway(endpoint, job string, gatherer prometheus.Gatherer, grouping map[string]string) *Pushgateway {
	return &Pushgateway{
		endpoint: endpoint,
		job:      strings.TrimSpace(job),
		gatherer: gatherer,
		grouping: grouping,
	}
}

func (p *Pushgateway) Push(ctx context.Context) error {
	if p.job == "" {
		return errors.New("pushgateway job is required")
	}
	pusher := push.New(p.endpoint, p.job).Gatherer(exportedJob{p.gatherer})
	for key, value := range p.grouping {
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		pusher = pusher.Grouping(key, value)
	}
	return pusher.PushContext(ctx)
}

// exportedJob renames a metric's own job label to exported_job, which the
// Pushgateway requires since job is part of the grouping key.
type exportedJob struct {
	prometheus.Gatherer
}

func (g exportedJob) Gather() ([]*dto.MetricFamily, error) {
	families, err := g.Gatherer.Gather()
	if err != nil {
		return nil, err
	}
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "job" {
					label.Name = proto.String("exported_job")
				}
			}
			sort.Slice(metric.Label, func(i, j int) bool {
				return metric.Label[i].GetName() < metric.Label[j].GetName()
			})
		}
	}
	return families, nil
}

// toSeries flattens counters and gauges as-is and histograms into their
// _count and _sum series. Buckets are not pushed.
func toSeries(families []*dto.MetricFamily, timestampMs int64) []prompb.TimeSeries {
	series := make([]prompb.TimeSeries, 0, len(families))
	add := func(name string, metric *dto.Metric, value float64) {
		labels := make([]prompb.Label, 0, len(metric.GetLabel())+1)
		labels = append(labels, prompb.Label{Name: "__name__", Value: name})
		for _, label := range metric.GetLabel() {
			labels = append(labels, prompb.Label{Name: label.GetName(), Value: label.GetValue()})
		}
		sort.Slice(labels, func(i, j int) bool { return labels[i].Name < labels[j].Name })
		series = append(series, prompb.TimeSeries{
			Labels:  labels,
			Samples: []prompb.Sample{{Value: value, Timestamp: timestampMs}},
		})
	}

	for _, family := range families {
		name := family.GetName()
		for _, metric := range family.GetMetric() {
			switch family.GetType() {
			case dto.MetricType_COUNTER:
				if c := metric.GetCounter(); c != nil {
					add(name, metric, c.GetValue())
				}
			case dto.MetricType_GAUGE:
				if g := metric.GetGauge(); g != nil {
					add(name, metric, g.GetValue())
				}
			case dto.MetricType_HISTOGRAM:
				if h := metric.GetHistogram(); h != nil {
					add(name+"_count", metric, float64(h.GetSampleCount()))
					add(name+"_sum", metric, h.GetSampleSum())
				}
			}
		}
	}
	return series
}
