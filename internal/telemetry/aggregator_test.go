package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/loykin/proxyfetch/internal/constants"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newRecordingSink() *recordingSink {
	return &recordingSink{ch: make(chan Event, 16)}
}

func (r *recordingSink) Emit(_ context.Context, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.ch <- ev
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func waitEvent(t *testing.T, r *recordingSink) Event {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for telemetry event")
		return Event{}
	}
}

func TestAggregator_ProxyWindowFlushAndReset(t *testing.T) {
	clk := testclock.NewClock(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	sink := newRecordingSink()
	a := NewAggregator(sink, WithClock(clk))

	a.RecordProxyResolve(5 * time.Millisecond)
	if sink.count() != 0 {
		t.Fatal("flushed before the interval elapsed")
	}
	if w := a.Snapshot(); w.Count != 1 || w.Min != 5*time.Millisecond {
		t.Fatalf("unexpected window: %+v", w)
	}

	clk.Advance(time.Hour)
	a.RecordProxyResolve(7 * time.Millisecond)
	ev := waitEvent(t, sink)
	if ev.Name != constants.EventProxyResolveStats {
		t.Fatalf("event name = %s", ev.Name)
	}
	if ev.Measurements["count"] != 2 || ev.Measurements["minMs"] != 5 || ev.Measurements["maxMs"] != 7 || ev.Measurements["avgMs"] != 6 {
		t.Fatalf("unexpected measurements: %v", ev.Measurements)
	}

	w := a.Snapshot()
	if w.Count != 0 || w.Min != NoMin || w.Max != 0 || w.Total != 0 {
		t.Fatalf("window not reset: %+v", w)
	}
	if !w.LastFlush.Equal(clk.Now()) {
		t.Fatalf("last flush = %v, want %v", w.LastFlush, clk.Now())
	}

	a.RecordProxyResolve(time.Millisecond)
	a.RecordProxyResolve(time.Millisecond)
	if sink.count() != 1 {
		t.Fatalf("expected a single flush, got %d", sink.count())
	}
}

func TestAggregator_FeatureCountersCoalesce(t *testing.T) {
	clk := testclock.NewClock(time.Unix(0, 0))
	sink := newRecordingSink()
	a := NewAggregator(sink, WithClock(clk))

	a.CountFeature(FeatureURL)
	a.CountFeature(FeatureURL)
	a.CountFeature(FeatureData)
	if got := a.FeatureCounts()[FeatureURL]; got != 2 {
		t.Fatalf("url count = %d", got)
	}

	if err := clk.WaitAdvance(constants.FetchFeatureIdleWindow, time.Second, 1); err != nil {
		t.Fatal(err)
	}
	ev := waitEvent(t, sink)
	if ev.Name != constants.EventFetchFeatureUse {
		t.Fatalf("event name = %s", ev.Name)
	}
	if ev.Measurements["url"] != 2 || ev.Measurements["data"] != 1 || ev.Measurements["blob"] != 0 {
		t.Fatalf("unexpected measurements: %v", ev.Measurements)
	}
	if len(a.FeatureCounts()) != 0 {
		t.Fatal("counters not reset after flush")
	}

	a.CountFeature(FeatureIntegrity)
	if err := clk.WaitAdvance(constants.FetchFeatureIdleWindow, time.Second, 1); err != nil {
		t.Fatal(err)
	}
	ev = waitEvent(t, sink)
	if ev.Measurements["integrity"] != 1 || ev.Measurements["url"] != 0 {
		t.Fatalf("second batch measurements: %v", ev.Measurements)
	}
}

func TestAggregator_CloseFlushesPending(t *testing.T) {
	clk := testclock.NewClock(time.Unix(0, 0))
	sink := newRecordingSink()
	a := NewAggregator(sink, WithClock(clk))

	a.CountFeature(FeatureBlob)
	a.Close()
	ev := waitEvent(t, sink)
	if ev.Measurements["blob"] != 1 {
		t.Fatalf("unexpected measurements: %v", ev.Measurements)
	}

	a.CountFeature(FeatureBlob)
	a.RecordProxyResolve(time.Second)
	if a.Snapshot().Count != 0 || len(a.FeatureCounts()) != 0 {
		t.Fatal("recorded after close")
	}
}

func TestScheduler(t *testing.T) {
	clk := testclock.NewClock(time.Unix(0, 0))
	s := NewScheduler(clk)
	fired := make(chan string, 4)

	if !s.ScheduleIfAbsent(time.Second, func() { fired <- "first" }) {
		t.Fatal("first schedule refused")
	}
	if s.ScheduleIfAbsent(time.Second, func() { fired <- "second" }) {
		t.Fatal("second schedule accepted while pending")
	}
	s.Reschedule(2*time.Second, func() { fired <- "replaced" })

	if err := clk.WaitAdvance(2*time.Second, time.Second, 1); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-fired:
		if got != "replaced" {
			t.Fatalf("fired %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task did not fire")
	}

	s.ScheduleIfAbsent(time.Second, func() { fired <- "cancelled" })
	if !s.Cancel() {
		t.Fatal("cancel found nothing pending")
	}
	if s.Pending() {
		t.Fatal("pending after cancel")
	}
	s.Stop()
	if s.ScheduleIfAbsent(time.Second, func() {}) {
		t.Fatal("scheduled after stop")
	}
	clk.Advance(time.Minute)
	select {
	case got := <-fired:
		t.Fatalf("unexpected fire %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}
