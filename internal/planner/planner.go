// Package planner splits a target list into fixed-size batches and computes
// when each batch fires. Every function here is pure.
package planner

import (
	"fmt"
	"time"

	"github.com/nimasrn/message-blast/internal/blast"
)

type Assignment struct {
	Recipient   string
	BatchNumber int
}

// Anchor pins the fire time of one batch. Batch k fires at
// Time + (k - Batch) * interval.
type Anchor struct {
	Time  time.Time
	Batch int
}

// Plan assigns recipients to batches of batchSize in the order given.
func Plan(recipients []string, batchSize int) ([]Assignment, error) {
	if len(recipients) == 0 {
		return nil, blast.ErrEmptyTargetSet
	}
	if batchSize < 1 {
		return nil, fmt.Errorf("%w: batch size must be at least 1", blast.ErrInvalidSchedule)
	}
	out := make([]Assignment, len(recipients))
	for i, r := range recipients {
		out[i] = Assignment{Recipient: r, BatchNumber: i/batchSize + 1}
	}
	return out, nil
}

func TotalBatches(targetCount, batchSize int) int {
	if targetCount <= 0 || batchSize < 1 {
		return 0
	}
	return (targetCount + batchSize - 1) / batchSize
}

// InitialAnchor is the anchor of a freshly created blast: batch 1 fires at start.
func InitialAnchor(start time.Time) Anchor {
	return Anchor{Time: start, Batch: 1}
}

// FireTime returns when batch fires under anchor a.
func FireTime(a Anchor, batch int, interval time.Duration) time.Time {
	return a.Time.Add(time.Duration(batch-a.Batch) * interval)
}

// FireTimes lists the fire time of every batch from 1 to total.
func FireTimes(a Anchor, total int, interval time.Duration) []time.Time {
	out := make([]time.Time, 0, total)
	for k := 1; k <= total; k++ {
		out = append(out, FireTime(a, k, interval))
	}
	return out
}

// Reanchor is used on resume: the current batch becomes due at resumeAt and
// later batches keep the interval from there.
func Reanchor(resumeAt time.Time, currentBatch int) Anchor {
	if currentBatch < 1 {
		currentBatch = 1
	}
	return Anchor{Time: resumeAt, Batch: currentBatch}
}

// Due reports whether batch may fire at now.
func Due(a Anchor, batch int, interval time.Duration, now time.Time) bool {
	return !FireTime(a, batch, interval).After(now)
}
