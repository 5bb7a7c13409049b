package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/loykin/proxyfetch/internal/config"
)

func openTemp(t *testing.T, prefix string) *Store {
	t.Helper()
	cfg := config.StoreConfig{
		Type:        "sqlite",
		TablePrefix: prefix,
		SQLite:      config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "events.db")},
	}
	st, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestTableNames(t *testing.T) {
	th, err := TableNames("")
	if err != nil || th.TelemetryEvents != "telemetry_events" {
		t.Fatalf("default table = %q, %v", th.TelemetryEvents, err)
	}
	th, err = TableNames("app1")
	if err != nil || th.TelemetryEvents != "app1_telemetry_events" {
		t.Fatalf("prefixed table = %q, %v", th.TelemetryEvents, err)
	}
	if _, err := TableNames("x; DROP TABLE y"); err == nil {
		t.Fatal("expected invalid prefix error")
	}
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	if _, err := Open(config.StoreConfig{Type: "mysql"}); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestSQLiteStore_RecordAndList(t *testing.T) {
	st := openTemp(t, "pf")
	ctx := context.Background()
	if st.Driver() != DriverSqlite {
		t.Fatalf("driver = %s", st.Driver())
	}

	if err := st.RecordEvent(ctx, "resolveProxy.stats", map[string]float64{"count": 3, "min": 1, "max": 9}, nil); err != nil {
		t.Fatal(err)
	}
	if err := st.RecordEvent(ctx, "fetchFeatureUse", map[string]float64{"url": 1}, map[string]string{"extensionId": "a.b"}); err != nil {
		t.Fatal(err)
	}

	all, err := st.Events(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 events, got %d", len(all))
	}
	if all[0].Name != "resolveProxy.stats" || all[0].Measurements["max"] != 9 {
		t.Fatalf("unexpected first event: %+v", all[0])
	}
	if all[0].Properties != nil {
		t.Fatalf("expected nil properties, got %v", all[0].Properties)
	}
	if all[1].Properties["extensionId"] != "a.b" {
		t.Fatalf("unexpected properties: %v", all[1].Properties)
	}
	if _, err := time.Parse(time.RFC3339Nano, all[1].RecordedAt); err != nil {
		t.Fatalf("recorded_at not RFC3339: %q", all[1].RecordedAt)
	}

	only, err := st.Events(ctx, "fetchFeatureUse", 10)
	if err != nil || len(only) != 1 {
		t.Fatalf("filtered events = %d, %v", len(only), err)
	}
}

func TestSQLiteStore_Purge(t *testing.T) {
	st := openTemp(t, "")
	clk := testclock.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	st.clock = clk
	ctx := context.Background()

	if err := st.RecordEvent(ctx, "old", map[string]float64{"n": 1}, nil); err != nil {
		t.Fatal(err)
	}
	clk.Advance(48 * time.Hour)
	if err := st.RecordEvent(ctx, "new", map[string]float64{"n": 2}, nil); err != nil {
		t.Fatal(err)
	}

	n, err := st.Purge(ctx, clk.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged row, got %d", n)
	}
	rest, _ := st.Events(ctx, "", 0)
	if len(rest) != 1 || rest[0].Name != "new" {
		t.Fatalf("unexpected remaining events: %+v", rest)
	}
}
