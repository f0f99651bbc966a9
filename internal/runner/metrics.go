package runner

import (
	"sync/atomic"
	"time"
)

// Metrics keeps process-local runner counters for the periodic stats log.
type Metrics struct {
	ticks           int64
	batches         int64
	targetsSent     int64
	targetsFailed   int64
	skipped         int64
	completed       int64
	failed          int64
	batchDurationNs int64
	lastResetNs     int64
}

func NewMetrics() *Metrics {
	return &Metrics{
		lastResetNs: time.Now().UnixNano(),
	}
}

func (m *Metrics) RecordTick() {
	atomic.AddInt64(&m.ticks, 1)
}

func (m *Metrics) RecordBatch(duration time.Duration, sent, failed int) {
	atomic.AddInt64(&m.batches, 1)
	atomic.AddInt64(&m.batchDurationNs, int64(duration))
	atomic.AddInt64(&m.targetsSent, int64(sent))
	atomic.AddInt64(&m.targetsFailed, int64(failed))
}

func (m *Metrics) RecordSkip() {
	atomic.AddInt64(&m.skipped, 1)
}

func (m *Metrics) RecordCompleted() {
	atomic.AddInt64(&m.completed, 1)
}

func (m *Metrics) RecordFailed() {
	atomic.AddInt64(&m.failed, 1)
}

func (m *Metrics) GetStats() map[string]interface{} {
	batches := atomic.LoadInt64(&m.batches)
	sent := atomic.LoadInt64(&m.targetsSent)
	durationNs := atomic.LoadInt64(&m.batchDurationNs)
	elapsed := time.Since(time.Unix(0, atomic.LoadInt64(&m.lastResetNs))).Seconds()

	rate := 0.0
	if elapsed > 0 {
		rate = float64(sent) / elapsed
	}

	avg := time.Duration(0)
	if batches > 0 {
		avg = time.Duration(durationNs / batches)
	}

	return map[string]interface{}{
		"ticks":                 atomic.LoadInt64(&m.ticks),
		"batches_executed":      batches,
		"targets_sent":          sent,
		"targets_failed":        atomic.LoadInt64(&m.targetsFailed),
		"blasts_skipped":        atomic.LoadInt64(&m.skipped),
		"blasts_completed":      atomic.LoadInt64(&m.completed),
		"blasts_failed":         atomic.LoadInt64(&m.failed),
		"sent_per_second":       rate,
		"avg_batch_duration_ms": avg.Milliseconds(),
		"uptime_seconds":        elapsed,
	}
}

func (m *Metrics) Reset() {
	atomic.StoreInt64(&m.ticks, 0)
	atomic.StoreInt64(&m.batches, 0)
	atomic.StoreInt64(&m.targetsSent, 0)
	atomic.StoreInt64(&m.targetsFailed, 0)
	atomic.StoreInt64(&m.skipped, 0)
	atomic.StoreInt64(&m.completed, 0)
	atomic.StoreInt64(&m.failed, 0)
	atomic.StoreInt64(&m.batchDurationNs, 0)
	atomic.StoreInt64(&m.lastResetNs, time.Now().UnixNano())
}
