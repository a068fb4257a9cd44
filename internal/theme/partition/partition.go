// Package partition defines the TimePartition input shape and a Coordinator
// that dispatches independent per-partition driver runs across an executor
// pool: each partition is handled by one driver.Run, and the coordinator
// collects results keyed by id rather than fanning documents out to a
// shared mutable structure.
package partition

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/arjunv/themeflow/internal/theme/driver"
	"github.com/arjunv/themeflow/internal/theme/em"
	"github.com/arjunv/themeflow/internal/theme/executor"
	"github.com/arjunv/themeflow/internal/theme/vocab"
)

// Document is one document within a time partition, as supplied by the
// upstream collaborator that assembles partitions (out of scope for this
// pipeline).
type Document struct {
	Title      string
	WordCounts map[string]int // token -> count, resolved against a Vocabulary
}

// TimePartition is a contiguous interval of the collection with its
// constituent documents.
type TimePartition struct {
	ID        string
	Interval  time.Duration
	Documents []Document
}

// ToEMDocuments resolves every document's tokens against v, dropping tokens
// absent from the vocabulary (an external-collaborator boundary issue, not
// a fitter concern).
func (p TimePartition) ToEMDocuments(v vocab.Vocabulary) []em.Document {
	out := make([]em.Document, 0, len(p.Documents))
	for i, doc := range p.Documents {
		counts := make(map[int]int, len(doc.WordCounts))
		for token, count := range doc.WordCounts {
			if id, ok := v.IndexOf(token); ok {
				counts[id] += count
			}
		}
		id := doc.Title
		if id == "" {
			id = fmt.Sprintf("%s-doc-%d", p.ID, i)
		}
		out = append(out, em.Document{ID: id, Counts: counts})
	}
	return out
}

// ObservationSequence flattens the partition's documents into a single
// ordered sequence of word-id observations for HMM training/decoding: for
// each document in order, each distinct word (sorted by id for
// determinism) is emitted count times.
func (p TimePartition) ObservationSequence(v vocab.Vocabulary) []int {
	var seq []int
	for _, doc := range p.Documents {
		ids := make([]int, 0, len(doc.WordCounts))
		counts := make(map[int]int, len(doc.WordCounts))
		for token, count := range doc.WordCounts {
			id, ok := v.IndexOf(token)
			if !ok {
				continue
			}
			ids = append(ids, id)
			counts[id] += count
		}
		sort.Ints(ids)
		for _, id := range ids {
			for c := 0; c < counts[id]; c++ {
				seq = append(seq, id)
			}
		}
	}
	return seq
}

// Coordinator dispatches independent driver runs across partitions,
// collecting results in an id-addressed map rather than a shared mutable
// engine per partition.
type Coordinator struct {
	exec   executor.Executor
	logger *slog.Logger
}

// NewCoordinator creates a Coordinator that dispatches partition runs
// through exec (nil runs each partition inline, sequentially).
func NewCoordinator(exec executor.Executor) *Coordinator {
	return &Coordinator{
		exec:   exec,
		logger: slog.Default().With("component", "partition-coordinator"),
	}
}

// RunAll fits every partition independently, one task per partition
// dispatched through the coordinator's executor, and returns each
// partition's driver.Result keyed by partition id. A single partition's
// failure is recorded but does not abort the others.
func (c *Coordinator) RunAll(ctx context.Context, partitions []TimePartition, v vocab.Vocabulary, background em.BackgroundModel, cfg driver.Config, tau float64) (map[string]*driver.Result, map[string]error) {
	tasks := make([]executor.Task, len(partitions))
	for i, p := range partitions {
		p := p
		tasks[i] = func(taskCtx context.Context) (any, error) {
			docs := p.ToEMDocuments(v)
			obs := p.ObservationSequence(v)
			res, err := driver.Run(taskCtx, p.ID, docs, background, obs, cfg, nil, tau)
			return partitionOutcome{id: p.ID, result: res, err: err}, nil
		}
	}

	exec := c.exec
	if exec == nil {
		exec = executor.Inline{}
	}
	raw, err := exec.Run(ctx, tasks)

	results := make(map[string]*driver.Result, len(partitions))
	errs := make(map[string]error)
	if err != nil {
		c.logger.Error("partition dispatch failed", "error", err)
		return results, errs
	}
	for _, r := range raw {
		outcome := r.(partitionOutcome)
		if outcome.err != nil {
			errs[outcome.id] = outcome.err
			c.logger.Error("partition fit failed", "partition_id", outcome.id, "error", outcome.err)
			continue
		}
		results[outcome.id] = outcome.result
	}
	return results, errs
}

type partitionOutcome struct {
	id     string
	result *driver.Result
	err    error
}
