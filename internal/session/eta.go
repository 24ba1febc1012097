package session

import (
	"fmt"
	"time"
)

const (
	defaultETAWindow = 10
	etaCalculating   = "calculating"
)

// etaEstimator is a moving average over the most recent target durations.
type etaEstimator struct {
	window  int
	samples []time.Duration
	next    int
}

func newETAEstimator(window int) *etaEstimator {
	if window <= 0 {
		window = defaultETAWindow
	}
	return &etaEstimator{window: window, samples: make([]time.Duration, 0, window)}
}

func (e *etaEstimator) observe(d time.Duration) {
	if len(e.samples) < e.window {
		e.samples = append(e.samples, d)
		return
	}
	e.samples[e.next] = d
	e.next = (e.next + 1) % e.window
}

func (e *etaEstimator) average() (time.Duration, bool) {
	if len(e.samples) == 0 {
		return 0, false
	}
	var sum time.Duration
	for _, d := range e.samples {
		sum += d
	}
	return sum / time.Duration(len(e.samples)), true
}

// estimate renders the time left for remaining targets, or "calculating"
// before the first target has finished.
func (e *etaEstimator) estimate(remaining int) string {
	avg, ok := e.average()
	if !ok {
		return etaCalculating
	}
	return formatClock(avg * time.Duration(remaining))
}

// formatClock renders d as m:ss, rounding to whole seconds.
func formatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d.Round(time.Second) / time.Second)
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}
