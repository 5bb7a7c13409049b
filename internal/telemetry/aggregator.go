package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/loykin/proxyfetch/internal/common"
	"github.com/loykin/proxyfetch/internal/constants"
)

// Feature names a fetch capability whose use is counted.
type Feature string

const (
	FeatureURL            Feature = "url"
	FeatureType           Feature = "type"
	FeatureData           Feature = "data"
	FeatureBlob           Feature = "blob"
	FeatureManualRedirect Feature = "manualRedirect"
	FeatureIntegrity      Feature = "integrity"
)

var allFeatures = []Feature{FeatureURL, FeatureType, FeatureData, FeatureBlob, FeatureManualRedirect, FeatureIntegrity}

// Event is one flushed telemetry record.
type Event struct {
	Name         string
	Measurements map[string]float64
	Properties   map[string]string
}

type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Emit(ctx context.Context, ev Event) error { return f(ctx, ev) }

type Option func(*Aggregator)

func WithClock(clk clock.Clock) Option {
	return func(a *Aggregator) { a.clk = clk }
}

// WithFlushIntervals overrides the proxy-resolve flush interval and the fetch-feature window.
func WithFlushIntervals(proxyResolve, fetchFeature time.Duration) Option {
	return func(a *Aggregator) {
		a.proxyEvery = proxyResolve
		a.featureWindow = fetchFeature
	}
}

// Aggregator coalesces proxy-resolution latencies and fetch feature usage
// into low-frequency events.
type Aggregator struct {
	clk           clock.Clock
	sink          Sink
	proxyEvery    time.Duration
	featureWindow time.Duration
	sched         *Scheduler
	logger        *common.Logger

	mu       sync.Mutex
	proxy    Window
	features map[Feature]int64
	closed   bool
}

func NewAggregator(sink Sink, opts ...Option) *Aggregator {
	a := &Aggregator{
		clk:           clock.WallClock,
		sink:          sink,
		proxyEvery:    constants.ProxyResolveFlushInterval,
		featureWindow: constants.FetchFeatureIdleWindow,
		features:      map[Feature]int64{},
		logger:        common.GetLogger().WithComponent("telemetry"),
	}
	for _, o := range opts {
		o(a)
	}
	a.sched = NewScheduler(a.clk)
	a.proxy = newWindow(a.clk.Now())
	return a
}

// RecordProxyResolve adds one resolution latency. The window is flushed here,
// never by a timer, once the flush interval has elapsed since the last flush.
func (a *Aggregator) RecordProxyResolve(d time.Duration) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.proxy.add(d)
	now := a.clk.Now()
	if now.Sub(a.proxy.LastFlush) < a.proxyEvery {
		a.mu.Unlock()
		return
	}
	snap := a.proxy
	a.proxy.reset(now)
	a.mu.Unlock()

	a.emit(Event{Name: constants.EventProxyResolveStats, Measurements: snap.measurements()})
}

// CountFeature increments a fetch feature counter. The first increment of a
// batch arms a single flush after the feature window.
func (a *Aggregator) CountFeature(f Feature) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.features[f]++
	a.mu.Unlock()
	a.sched.ScheduleIfAbsent(a.featureWindow, a.flushFeatures)
}

// Snapshot returns the current proxy-resolution window.
func (a *Aggregator) Snapshot() Window {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.proxy
}

// FeatureCounts returns the unflushed feature counters.
func (a *Aggregator) FeatureCounts() map[Feature]int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[Feature]int64, len(a.features))
	for k, v := range a.features {
		out[k] = v
	}
	return out
}

func (a *Aggregator) flushFeatures() {
	a.mu.Lock()
	if len(a.features) == 0 {
		a.mu.Unlock()
		return
	}
	m := make(map[string]float64, len(allFeatures))
	for _, f := range allFeatures {
		m[string(f)] = float64(a.features[f])
	}
	a.features = map[Feature]int64{}
	a.mu.Unlock()

	a.emit(Event{Name: constants.EventFetchFeatureUse, Measurements: m})
}

// Close flushes pending feature counters and stops recording.
func (a *Aggregator) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.sched.Stop()
	a.flushFeatures()
}

func (a *Aggregator) emit(ev Event) {
	if a.sink == nil {
		return
	}
	if err := a.sink.Emit(context.Background(), ev); err != nil {
		a.logger.Warn("telemetry sink failed", "event", ev.Name, "error", err)
	}
}
