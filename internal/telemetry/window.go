package telemetry

import (
	"math"
	"time"
)

// NoMin is the Min of a window that has not recorded anything since its last flush.
const NoMin = time.Duration(math.MaxInt64)

// Window accumulates proxy-resolution latencies between flushes.
type Window struct {
	Count     int64
	Total     time.Duration
	Min       time.Duration
	Max       time.Duration
	LastFlush time.Time
}

func newWindow(now time.Time) Window {
	return Window{Min: NoMin, LastFlush: now}
}

func (w *Window) add(d time.Duration) {
	w.Count++
	w.Total += d
	if d < w.Min {
		w.Min = d
	}
	if d > w.Max {
		w.Max = d
	}
}

func (w *Window) reset(now time.Time) {
	*w = newWindow(now)
}

// Average returns Total/Count, or zero for an empty window.
func (w Window) Average() time.Duration {
	if w.Count == 0 {
		return 0
	}
	return w.Total / time.Duration(w.Count)
}

func (w Window) measurements() map[string]float64 {
	m := map[string]float64{
		"count":   float64(w.Count),
		"totalMs": ms(w.Total),
		"maxMs":   ms(w.Max),
		"avgMs":   ms(w.Average()),
	}
	if w.Min != NoMin {
		m["minMs"] = ms(w.Min)
	}
	return m
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
