package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dlnk/licensecore/internal/model"
)

// ZapSink writes one structured log line per event.
type ZapSink struct{ log *zap.Logger }

// NewZapSink returns a sink logging under the "audit" name.
func NewZapSink(log *zap.Logger) *ZapSink { return &ZapSink{log: log.Named("audit")} }

func (s *ZapSink) Name() string { return "zap" }

func (s *ZapSink) Emit(_ context.Context, e model.AuditEvent) error {
	fields := make([]zap.Field, 0, 5+len(e.Details))
	fields = append(fields,
		zap.Int64("seq", e.Seq),
		zap.Time("ts", e.TS),
		zap.String("actor", e.Actor),
		zap.String("kind", e.Kind),
		zap.String("subject", e.Subject),
	)
	for k, v := range e.Details {
		fields = append(fields, zap.String("d."+k, v))
	}
	s.log.Info("event", fields...)
	return nil
}

// MetricsSink counts events per kind.
type MetricsSink struct{ events *prometheus.CounterVec }

// NewMetricsSink registers dlnk_audit_events_total on reg.
func NewMetricsSink(reg prometheus.Registerer) (*MetricsSink, error) {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dlnk",
		Name:      "audit_events_total",
		Help:      "Committed audit events by kind.",
	}, []string{"kind"})
	if err := reg.Register(c); err != nil {
		return nil, err
	}
	return &MetricsSink{events: c}, nil
}

func (s *MetricsSink) Name() string { return "metrics" }

func (s *MetricsSink) Emit(_ context.Context, e model.AuditEvent) error {
	s.events.WithLabelValues(e.Kind).Inc()
	return nil
}

// Publisher is the subset of a go-redis client used by RedisSink.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisSink publishes events as JSON on a pub/sub channel.
type RedisSink struct {
	pub     Publisher
	channel string
	timeout time.Duration
}

// NewRedisSink returns a sink publishing to channel with a per-event timeout.
func NewRedisSink(pub Publisher, channel string, timeout time.Duration) *RedisSink {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &RedisSink{pub: pub, channel: channel, timeout: timeout}
}

type wireEvent struct {
	Seq     int64             `json:"seq"`
	TS      time.Time         `json:"ts"`
	Actor   string            `json:"actor"`
	Kind    string            `json:"kind"`
	Subject string            `json:"subject,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Emit(ctx context.Context, e model.AuditEvent) error {
	raw, err := json.Marshal(wireEvent{Seq: e.Seq, TS: e.TS, Actor: e.Actor, Kind: e.Kind, Subject: e.Subject, Details: e.Details})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.pub.Publish(ctx, s.channel, raw).Err()
}
