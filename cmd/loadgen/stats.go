package main

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

type Stats struct {
	successCount atomic.Int64
	errorCount   atomic.Int64

	mu            sync.Mutex
	responseTimes []time.Duration
}

func (s *Stats) Record(d time.Duration, ok bool) {
	if ok {
		s.successCount.Add(1)
	} else {
		s.errorCount.Add(1)
	}
	s.mu.Lock()
	s.responseTimes = append(s.responseTimes, d)
	s.mu.Unlock()
}

type Summary struct {
	Total, Success, Errors int64
	Avg, Min, Max          time.Duration
	P50, P95, P99          time.Duration
}

func (s *Stats) Summary() Summary {
	s.mu.Lock()
	times := slices.Clone(s.responseTimes)
	s.mu.Unlock()

	out := Summary{
		Success: s.successCount.Load(),
		Errors:  s.errorCount.Load(),
	}
	out.Total = out.Success + out.Errors
	if len(times) == 0 {
		return out
	}

	slices.Sort(times)
	var sum time.Duration
	for _, t := range times {
		sum += t
	}
	out.Avg = sum / time.Duration(len(times))
	out.Min = times[0]
	out.Max = times[len(times)-1]
	out.P50 = percentile(times, 0.50)
	out.P95 = percentile(times, 0.95)
	out.P99 = percentile(times, 0.99)
	return out
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}
