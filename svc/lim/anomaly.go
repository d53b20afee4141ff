package lim

import (
	"sync"
	"time"

	"remarq/metrics"
	"remarq/svc/util"
)

const (
	anomalyBuckets      = 5
	anomalyTick         = time.Minute
	anomalyMinRequests  = 10
	anomalyMaxErrorRate = 5.0
)

// AnomalyDetector watches the server-error rate over a sliding window
// of one-minute buckets and fires onAnomaly when it crosses the
// threshold, which drops the rate limiter into its conservative mode.
type AnomalyDetector struct {
	mu        sync.Mutex
	window    [anomalyBuckets]bucket
	current   int
	onAnomaly func()
	done      chan struct{}
}

type bucket struct {
	requests int64
	errors   int64
}

func NewAnomalyDetector(onAnomaly func()) *AnomalyDetector {
	return &AnomalyDetector{
		onAnomaly: onAnomaly,
		done:      make(chan struct{}),
	}
}

func (d *AnomalyDetector) Start() {
	ticker := time.NewTicker(anomalyTick)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.AdvanceWindow()
			case <-d.done:
				return
			}
		}
	}()
}

func (d *AnomalyDetector) Stop() {
	close(d.done)
}

func (d *AnomalyDetector) RecordRequest() {
	d.mu.Lock()
	d.window[d.current].requests++
	d.mu.Unlock()
}

func (d *AnomalyDetector) RecordError() {
	d.mu.Lock()
	d.window[d.current].errors++
	d.mu.Unlock()
}

// AdvanceWindow closes out the current bucket, evaluates the whole
// window, and recycles the oldest bucket.
func (d *AnomalyDetector) AdvanceWindow() {
	d.mu.Lock()
	defer d.mu.Unlock()

	var reqs, errs int64
	for _, b := range d.window {
		reqs += b.requests
		errs += b.errors
	}
	var errorRate float64
	if reqs > 0 {
		errorRate = float64(errs) / float64(reqs) * 100.0
	}
	metrics.RecentErrorRatePercent.Set(errorRate)

	if reqs > anomalyMinRequests && errorRate > anomalyMaxErrorRate {
		util.Warn().
			Float64("error_rate", errorRate).
			Int64("requests", reqs).
			Int64("errors", errs).
			Msg("elevated error rate, switching to conservative rate limits")
		if d.onAnomaly != nil {
			d.onAnomaly()
		}
	}

	d.current = (d.current + 1) % anomalyBuckets
	d.window[d.current] = bucket{}
}
