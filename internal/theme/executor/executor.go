// Package executor provides the minimal task-dispatch abstraction the scan
// engine and the partition driver schedule work through: a pool of workers
// that run independent, context-aware tasks and gather their results in the
// caller's original order, built on golang.org/x/sync/errgroup since scan
// blocks can far outnumber available CPUs.
package executor

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Task is a unit of independent work submitted to an Executor. It must be
// safe to run concurrently with other tasks from the same batch.
type Task func(ctx context.Context) (any, error)

// Executor runs a batch of tasks and returns their results in the same order
// the tasks were submitted in. If any task returns an error, Run cancels the
// remaining tasks' context and returns that error; partial results are
// discarded.
type Executor interface {
	Run(ctx context.Context, tasks []Task) ([]any, error)
}

// Pool is a bounded worker pool implementation of Executor: an indexed
// results slice sized to the batch so ordering survives concurrent
// completion, submitted to an errgroup.Group capped at maxWorkers
// concurrent goroutines.
type Pool struct {
	maxWorkers int
}

// NewPool returns a Pool that runs at most maxWorkers tasks concurrently. A
// maxWorkers of 0 or less means unbounded (one goroutine per task).
func NewPool(maxWorkers int) *Pool {
	return &Pool{maxWorkers: maxWorkers}
}

// Run implements Executor.
func (p *Pool) Run(ctx context.Context, tasks []Task) ([]any, error) {
	if len(tasks) == 0 {
		return nil, nil
	}
	results := make([]any, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	if p.maxWorkers > 0 {
		g.SetLimit(p.maxWorkers)
	}
	for i, task := range tasks {
		i, task := i, task
		g.Go(func() error {
			out, err := task(gctx)
			if err != nil {
				return fmt.Errorf("task %d: %w", i, err)
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Inline is a sequential Executor that runs each task on the calling
// goroutine, in order. It satisfies the Executor interface for tests and for
// configurations that run without a worker pool (cmd/themepipeline uses it
// when hmm.maxWorkers is 0).
type Inline struct{}

// Run implements Executor by running tasks one at a time.
func (Inline) Run(ctx context.Context, tasks []Task) ([]any, error) {
	results := make([]any, len(tasks))
	for i, task := range tasks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := task(ctx)
		if err != nil {
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
		results[i] = out
	}
	return results, nil
}
