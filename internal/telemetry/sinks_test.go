package telemetry

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/loykin/proxyfetch/internal/config"
	"github.com/loykin/proxyfetch/internal/constants"
)

func TestPrometheusSink(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	s, err := NewPrometheusSink(reg)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	_ = s.Emit(ctx, Event{Name: constants.EventProxyResolveStats, Measurements: map[string]float64{"count": 4, "minMs": 1, "maxMs": 8, "avgMs": 3}})
	_ = s.Emit(ctx, Event{Name: constants.EventFetchFeatureUse, Measurements: map[string]float64{"url": 2, "blob": 0}})

	if got := testutil.ToFloat64(s.resolves); got != 4 {
		t.Fatalf("resolves = %v", got)
	}
	if got := testutil.ToFloat64(s.resolveMillis.WithLabelValues("max")); got != 8 {
		t.Fatalf("max = %v", got)
	}
	if got := testutil.ToFloat64(s.features.WithLabelValues("url")); got != 2 {
		t.Fatalf("url feature = %v", got)
	}
	if got := testutil.CollectAndCount(s.features); got != 1 {
		t.Fatalf("expected only non-zero features to be exported, got %d series", got)
	}
	if got := testutil.ToFloat64(s.events.WithLabelValues(constants.EventFetchFeatureUse)); got != 1 {
		t.Fatalf("events = %v", got)
	}

	if _, err := NewPrometheusSink(reg); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}

func TestMultiSinkJoinsErrors(t *testing.T) {
	called := 0
	ok := SinkFunc(func(context.Context, Event) error { called++; return nil })
	bad := SinkFunc(func(context.Context, Event) error { called++; return errors.New("boom") })
	err := MultiSink{bad, ok, bad}.Emit(context.Background(), Event{Name: "x"})
	if called != 3 {
		t.Fatalf("expected every sink called, got %d", called)
	}
	if err == nil || strings.Count(err.Error(), "boom") != 2 {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBuildSink(t *testing.T) {
	sink, closer, err := BuildSink(config.TelemetryConfig{Enabled: false}, nil)
	if err != nil || sink != nil {
		t.Fatalf("disabled => %v, %v", sink, err)
	}
	_ = closer()

	if _, _, err := BuildSink(config.TelemetryConfig{Enabled: true, Sinks: []string{"kafka"}}, nil); err == nil {
		t.Fatal("expected unknown sink error")
	}

	cfg := config.TelemetryConfig{
		Enabled: true,
		Sinks:   []string{"log", "store"},
		Store:   config.StoreConfig{Type: "sqlite", SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "t.db")}},
	}
	sink, closer, err = BuildSink(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = closer() }()
	multi, ok := sink.(MultiSink)
	if !ok || len(multi) != 2 {
		t.Fatalf("expected two sinks, got %T", sink)
	}
	if err := sink.Emit(context.Background(), Event{Name: "e", Measurements: map[string]float64{"n": 1}}); err != nil {
		t.Fatal(err)
	}
	ss := multi[1].(StoreSink)
	evs, err := ss.Store.Events(context.Background(), "e", 0)
	if err != nil || len(evs) != 1 {
		t.Fatalf("stored events = %v, %v", evs, err)
	}
}
