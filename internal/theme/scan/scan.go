// Package scan implements the block-parallel associative scan engine used by
// both the forward (alpha) and backward (beta) Baum-Welch recurrences: a
// generic left/right prefix scan over a user-supplied binary operator and
// identity element, expressed as a parallel block decomposition so it can be
// dispatched across an executor.Executor's worker pool instead of run
// strictly sequentially.
//
// The decomposition follows four steps regardless of direction:
//  1. partition the input into contiguous blocks;
//  2. compute each block's local prefix (or suffix) product in parallel,
//     recording each block's last (or first) element;
//  3. sequentially reduce those per-block elements into block offsets;
//  4. premultiply every block's local partials by its offset, in parallel,
//     to obtain the global prefixes.
package scan

import (
	"context"
	"sort"

	"github.com/arjunv/themeflow/internal/theme/executor"
)

// Op is an associative binary operator over V.
type Op[V any] func(a, b V) V

// Left computes the left-scan (prefix fold) of values under op with the
// given identity: result[t] = values[0] ⊕ ... ⊕ values[t].
//
// When exec is nil, or len(values) is small enough that block decomposition
// wouldn't pay for itself, Left folds sequentially. Otherwise the block
// decomposition of the package doc runs across exec's worker pool.
func Left[V any](ctx context.Context, exec executor.Executor, values []V, op Op[V], identity V, blockSize int) ([]V, error) {
	n := len(values)
	if n == 0 {
		return nil, nil
	}
	if exec == nil || blockSize <= 0 || blockSize >= n {
		return sequentialLeft(values, op, identity), nil
	}

	blocks := makeBlocks(n, blockSize)
	localResults := make([][]V, len(blocks))
	lastOfBlock := make([]V, len(blocks))

	tasks := make([]executor.Task, len(blocks))
	for bi, blk := range blocks {
		bi, blk := bi, blk
		tasks[bi] = func(context.Context) (any, error) {
			local := sequentialLeft(values[blk.start:blk.end], op, identity)
			return blockResult{index: bi, values: local}, nil
		}
	}
	results, err := exec.Run(ctx, tasks)
	if err != nil {
		return nil, err
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].(blockResult).index < results[j].(blockResult).index
	})
	for _, r := range results {
		br := r.(blockResult)
		local := br.values.([]V)
		localResults[br.index] = local
		lastOfBlock[br.index] = local[len(local)-1]
	}

	// Sequential reduction of the per-block last elements into offsets.
	offsets := make([]V, len(blocks))
	offsets[0] = identity
	for k := 1; k < len(blocks); k++ {
		offsets[k] = op(offsets[k-1], lastOfBlock[k-1])
	}

	// Finalize: premultiply every block's local partials by its offset.
	finalizeTasks := make([]executor.Task, len(blocks))
	for bi, blk := range blocks {
		bi, blk := bi, blk
		finalizeTasks[bi] = func(context.Context) (any, error) {
			offset := offsets[bi]
			out := make([]V, blk.end-blk.start)
			for i, v := range localResults[bi] {
				out[i] = op(offset, v)
			}
			return blockResult{index: bi, values: out}, nil
		}
	}
	finalResults, err := exec.Run(ctx, finalizeTasks)
	if err != nil {
		return nil, err
	}
	sort.Slice(finalResults, func(i, j int) bool {
		return finalResults[i].(blockResult).index < finalResults[j].(blockResult).index
	})

	out := make([]V, 0, n)
	for _, r := range finalResults {
		out = append(out, r.(blockResult).values.([]V)...)
	}
	return out, nil
}

// Right computes the right-scan (suffix fold) of values under op with the
// given identity: result[t] = values[t] ⊕ ... ⊕ values[n-1]. It mirrors Left
// exactly, folding each block right-to-left and reducing block first
// elements instead of last elements.
func Right[V any](ctx context.Context, exec executor.Executor, values []V, op Op[V], identity V, blockSize int) ([]V, error) {
	n := len(values)
	if n == 0 {
		return nil, nil
	}
	if exec == nil || blockSize <= 0 || blockSize >= n {
		return sequentialRight(values, op, identity), nil
	}

	blocks := makeBlocks(n, blockSize)
	localResults := make([][]V, len(blocks))
	firstOfBlock := make([]V, len(blocks))

	tasks := make([]executor.Task, len(blocks))
	for bi, blk := range blocks {
		bi, blk := bi, blk
		tasks[bi] = func(context.Context) (any, error) {
			local := sequentialRight(values[blk.start:blk.end], op, identity)
			return blockResult{index: bi, values: local}, nil
		}
	}
	results, err := exec.Run(ctx, tasks)
	if err != nil {
		return nil, err
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].(blockResult).index < results[j].(blockResult).index
	})
	for _, r := range results {
		br := r.(blockResult)
		local := br.values.([]V)
		localResults[br.index] = local
		firstOfBlock[br.index] = local[0]
	}

	offsets := make([]V, len(blocks))
	last := len(blocks) - 1
	offsets[last] = identity
	for k := last - 1; k >= 0; k-- {
		offsets[k] = op(firstOfBlock[k+1], offsets[k+1])
	}

	finalizeTasks := make([]executor.Task, len(blocks))
	for bi, blk := range blocks {
		bi, blk := bi, blk
		finalizeTasks[bi] = func(context.Context) (any, error) {
			offset := offsets[bi]
			out := make([]V, blk.end-blk.start)
			for i, v := range localResults[bi] {
				out[i] = op(v, offset)
			}
			return blockResult{index: bi, values: out}, nil
		}
	}
	finalResults, err := exec.Run(ctx, finalizeTasks)
	if err != nil {
		return nil, err
	}
	sort.Slice(finalResults, func(i, j int) bool {
		return finalResults[i].(blockResult).index < finalResults[j].(blockResult).index
	})

	out := make([]V, 0, n)
	for _, r := range finalResults {
		out = append(out, r.(blockResult).values.([]V)...)
	}
	return out, nil
}

type blockResult struct {
	index  int
	values any
}

type block struct{ start, end int }

func makeBlocks(n, blockSize int) []block {
	blocks := make([]block, 0, (n+blockSize-1)/blockSize)
	for start := 0; start < n; start += blockSize {
		end := start + blockSize
		if end > n {
			end = n
		}
		blocks = append(blocks, block{start: start, end: end})
	}
	return blocks
}

func sequentialLeft[V any](values []V, op Op[V], identity V) []V {
	out := make([]V, len(values))
	acc := identity
	for i, v := range values {
		acc = op(acc, v)
		out[i] = acc
	}
	return out
}

func sequentialRight[V any](values []V, op Op[V], identity V) []V {
	out := make([]V, len(values))
	acc := identity
	for i := len(values) - 1; i >= 0; i-- {
		acc = op(values[i], acc)
		out[i] = acc
	}
	return out
}
