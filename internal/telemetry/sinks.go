package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/proxyfetch/internal/common"
	"github.com/loykin/proxyfetch/internal/config"
	"github.com/loykin/proxyfetch/internal/constants"
	"github.com/loykin/proxyfetch/internal/store"
	"github.com/loykin/proxyfetch/internal/util"
)

// LogSink writes every event as one structured log line.
type LogSink struct {
	Logger *common.Logger
}

func (s LogSink) Emit(_ context.Context, ev Event) error {
	logger := s.Logger
	if logger == nil {
		logger = common.GetLogger().WithComponent("telemetry")
	}
	keys := make([]string, 0, len(ev.Measurements))
	for k := range ev.Measurements {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := []any{"event", ev.Name}
	for _, k := range keys {
		attrs = append(attrs, k, ev.Measurements[k])
	}
	for k, v := range ev.Properties {
		attrs = append(attrs, k, v)
	}
	logger.Info("telemetry event", attrs...)
	return nil
}

const metricsNamespace = "proxyfetch"

// PrometheusSink exposes flushed events as metrics.
type PrometheusSink struct {
	events        *prometheus.CounterVec
	resolves      prometheus.Counter
	resolveMillis *prometheus.GaugeVec
	features      *prometheus.CounterVec
}

// NewPrometheusSink creates the collectors and registers them on reg when it is non-nil.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "telemetry_events_total",
				Help:      "The number of flushed telemetry events.",
			}, []string{"event"},
		),
		resolves: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "proxy_resolve_total",
				Help:      "The number of proxy resolutions reported in flushed windows.",
			},
		),
		resolveMillis: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "proxy_resolve_window_milliseconds",
				Help:      "Proxy resolution latency of the last flushed window.",
			}, []string{"stat"},
		),
		features: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "fetch_feature_use_total",
				Help:      "The number of fetch calls using a given feature.",
			}, []string{"feature"},
		),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{s.events, s.resolves, s.resolveMillis, s.features} {
			if err := reg.Register(c); err != nil {
				return nil, fmt.Errorf("register telemetry metrics: %w", err)
			}
		}
	}
	return s, nil
}

func (s *PrometheusSink) Emit(_ context.Context, ev Event) error {
	s.events.WithLabelValues(ev.Name).Inc()
	switch ev.Name {
	case constants.EventProxyResolveStats:
		s.resolves.Add(ev.Measurements["count"])
		for _, stat := range []string{"min", "max", "avg"} {
			if v, ok := ev.Measurements[stat+"Ms"]; ok {
				s.resolveMillis.WithLabelValues(stat).Set(v)
			}
		}
	case constants.EventFetchFeatureUse:
		for f, n := range ev.Measurements {
			if n > 0 {
				s.features.WithLabelValues(f).Add(n)
			}
		}
	}
	return nil
}

// Describe is part of the prometheus.Collector interface.
func (s *PrometheusSink) Describe(ch chan<- *prometheus.Desc) {
	s.events.Describe(ch)
	s.resolves.Describe(ch)
	s.resolveMillis.Describe(ch)
	s.features.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (s *PrometheusSink) Collect(ch chan<- prometheus.Metric) {
	s.events.Collect(ch)
	s.resolves.Collect(ch)
	s.resolveMillis.Collect(ch)
	s.features.Collect(ch)
}

// StoreSink persists events through the telemetry store.
type StoreSink struct {
	Store *store.Store
}

func (s StoreSink) Emit(ctx context.Context, ev Event) error {
	return s.Store.RecordEvent(ctx, ev.Name, ev.Measurements, ev.Properties)
}

// MultiSink fans an event out to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BuildSink assembles the sinks named in cfg. The returned closer releases
// any store it opened. A disabled configuration yields a nil sink.
func BuildSink(cfg config.TelemetryConfig, reg prometheus.Registerer) (Sink, func() error, error) {
	noop := func() error { return nil }
	if !cfg.Enabled {
		return nil, noop, nil
	}
	var (
		sinks  MultiSink
		closer = noop
	)
	for _, name := range cfg.Sinks {
		switch util.TrimAndLower(name) {
		case "log":
			sinks = append(sinks, LogSink{})
		case "prometheus":
			ps, err := NewPrometheusSink(reg)
			if err != nil {
				_ = closer()
				return nil, noop, err
			}
			sinks = append(sinks, ps)
		case "store":
			st, err := store.Open(cfg.Store)
			if err != nil {
				_ = closer()
				return nil, noop, err
			}
			sinks = append(sinks, StoreSink{Store: st})
			closer = st.Close
		case "":
		default:
			_ = closer()
			return nil, noop, fmt.Errorf("telemetry: unknown sink %q", name)
		}
	}
	if len(sinks) == 1 {
		return sinks[0], closer, nil
	}
	return sinks, closer, nil
}
