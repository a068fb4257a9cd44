// Package diagnostics aggregates rolling statistics across partition fits:
// counts, convergence rate, log-likelihood and iteration percentiles, using
// atomic counters plus a mutex-guarded slice of samples with
// percentile-on-read.
package diagnostics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arjunv/themeflow/internal/theme/driver"
)

// Summary is a point-in-time snapshot of aggregate fit diagnostics.
type Summary struct {
	TotalPartitionsFitted int64   `json:"totalPartitionsFitted"`
	TotalPartitionsFailed int64   `json:"totalPartitionsFailed"`
	TotalEMRestarts       int64   `json:"totalEmRestarts"`
	ConvergedFraction     float64 `json:"convergedFraction"`
	AvgLogLikelihood      float64 `json:"avgLogLikelihood"`
	P50BWIterations       int64   `json:"p50BwIterations"`
	P95BWIterations       int64   `json:"p95BwIterations"`
	FitsPerMinute         float64 `json:"fitsPerMinute"`
}

// Aggregator accumulates fit outcomes reported by the driver, across
// partitions and over the process lifetime.
type Aggregator struct {
	mu sync.RWMutex

	partitionsFitted atomic.Int64
	partitionsFailed atomic.Int64
	emRestarts       atomic.Int64
	converged        atomic.Int64

	logLikelihoods []float64
	bwIterations   []int64

	startTime time.Time
}

// NewAggregator creates an empty diagnostics aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		logLikelihoods: make([]float64, 0, 1024),
		bwIterations:   make([]int64, 0, 1024),
		startTime:      time.Now(),
	}
}

// RecordSuccess records one partition's completed fit.
func (a *Aggregator) RecordSuccess(res *driver.Result, restarts int) {
	a.partitionsFitted.Add(1)
	a.emRestarts.Add(int64(restarts))
	if res.FitResult.Converged {
		a.converged.Add(1)
	}

	a.mu.Lock()
	a.logLikelihoods = append(a.logLikelihoods, res.EMLogLikelihood)
	a.bwIterations = append(a.bwIterations, int64(res.FitResult.Iterations))
	a.mu.Unlock()
}

// RecordFailure records one partition's failed fit.
func (a *Aggregator) RecordFailure() {
	a.partitionsFailed.Add(1)
}

// Stats returns the current aggregate summary.
func (a *Aggregator) Stats() Summary {
	a.mu.RLock()
	defer a.mu.RUnlock()

	summary := Summary{
		TotalPartitionsFitted: a.partitionsFitted.Load(),
		TotalPartitionsFailed: a.partitionsFailed.Load(),
		TotalEMRestarts:       a.emRestarts.Load(),
	}

	total := summary.TotalPartitionsFitted
	if total > 0 {
		summary.ConvergedFraction = float64(a.converged.Load()) / float64(total)
	}

	if len(a.logLikelihoods) > 0 {
		sum := 0.0
		for _, ll := range a.logLikelihoods {
			sum += ll
		}
		summary.AvgLogLikelihood = sum / float64(len(a.logLikelihoods))
	}

	if len(a.bwIterations) > 0 {
		sorted := make([]int64, len(a.bwIterations))
		copy(sorted, a.bwIterations)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		summary.P50BWIterations = percentile(sorted, 50)
		summary.P95BWIterations = percentile(sorted, 95)
	}

	elapsed := time.Since(a.startTime).Minutes()
	if elapsed > 0 {
		summary.FitsPerMinute = float64(total) / elapsed
	}

	return summary
}

func percentile(sorted []int64, pct int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := (pct * len(sorted)) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
