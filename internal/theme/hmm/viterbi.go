package hmm

import (
	"context"
	"math"

	"github.com/arjunv/themeflow/internal/theme/executor"
	themeerrors "github.com/arjunv/themeflow/pkg/errors"
)

// DecodeResult is the most likely state path for a sequence, plus its
// log-probability under the model.
type DecodeResult struct {
	States  []int
	LogProb float64
}

var negInf = math.Inf(-1)

// Decode runs the Viterbi algorithm over obs. For sequences shorter than
// cfg.SequentialThreshold (the common case) it runs the classical
// sequential log-space DP. Longer sequences are split into blocks and
// decoded via a three-phase block-parallel scheme: every block's local
// max-plus transition matrix is computed in parallel for all N possible
// entry states, block boundaries are then chained sequentially (cheap,
// O(numBlocks) work) to pick out each block's true entry state, and finally
// every block reruns its local DP with that single known entry state in
// parallel to recover the exact path.
func Decode(ctx context.Context, mdl *Model, obs []int, cfg Config, exec executor.Executor) (*DecodeResult, error) {
	if len(obs) == 0 {
		return nil, themeerrors.ErrEmptyInput
	}
	if err := mdl.Validate(); err != nil {
		return nil, err
	}

	if exec == nil || cfg.ViterbiBlockSize <= 0 || cfg.UseSequential(len(obs)) {
		return sequentialViterbi(mdl, obs)
	}
	return blockParallelViterbi(ctx, mdl, obs, cfg, exec)
}

func logB(mdl *Model, state, word int) float64 {
	p := mdl.B[state][word]
	if p <= 0 {
		return negInf
	}
	return math.Log(p)
}

func logA(mdl *Model, from, to int) float64 {
	p := mdl.A.At(from, to)
	if p <= 0 {
		return negInf
	}
	return math.Log(p)
}

// sequentialViterbi is the classical single-pass log-space DP with a full
// backpointer table.
func sequentialViterbi(mdl *Model, obs []int) (*DecodeResult, error) {
	n, t := mdl.N, len(obs)
	delta := make([]float64, n)
	back := make([][]int, t)

	for i := 0; i < n; i++ {
		pi := mdl.Pi[i]
		lp := negInf
		if pi > 0 {
			lp = math.Log(pi)
		}
		delta[i] = lp + logB(mdl, i, obs[0])
	}
	back[0] = make([]int, n)

	next := make([]float64, n)
	for k := 1; k < t; k++ {
		back[k] = make([]int, n)
		for j := 0; j < n; j++ {
			best := negInf
			bestI := 0
			for i := 0; i < n; i++ {
				score := delta[i] + logA(mdl, i, j)
				if score > best {
					best = score
					bestI = i
				}
			}
			next[j] = best + logB(mdl, j, obs[k])
			back[k][j] = bestI
		}
		copy(delta, next)
	}

	best := negInf
	bestState := 0
	for i, v := range delta {
		if v > best {
			best = v
			bestState = i
		}
	}
	if math.IsInf(best, -1) {
		return nil, themeerrors.ErrDiverged
	}

	states := make([]int, t)
	states[t-1] = bestState
	for k := t - 1; k > 0; k-- {
		states[k-1] = back[k][states[k]]
	}

	return &DecodeResult{States: states, LogProb: best}, nil
}

// blockInfo is one block's local Viterbi solution computed for every
// possible entry state, kept around so the finalize phase can rerun the
// single correct entry state's traceback without recomputing the DP.
type blockInfo struct {
	start, end int
	// exitScore[s][j] is the best local path score from entry state s to
	// state j at the block's last element. For the first block, s is the
	// state at the block's first element; for every later block, s is the
	// state at the previous block's last element, so the score includes the
	// transition into the block.
	exitScore [][]float64
	// back[s][localT][j] is the predecessor state at localT-1 on the best
	// path from entry state s reaching state j at local time localT.
	// back[s][0] is unused.
	back [][][]int
}

func computeBlockInfo(mdl *Model, obsBlock []int, first bool) blockInfo {
	n := len(mdl.Pi)
	blockLen := len(obsBlock)
	info := blockInfo{
		exitScore: make([][]float64, n),
		back:      make([][][]int, n),
	}

	for s := 0; s < n; s++ {
		delta := make([]float64, n)
		for i := range delta {
			delta[i] = negInf
		}
		if first {
			delta[s] = logB(mdl, s, obsBlock[0])
		} else {
			for j := 0; j < n; j++ {
				delta[j] = logA(mdl, s, j) + logB(mdl, j, obsBlock[0])
			}
		}

		back := make([][]int, blockLen)
		back[0] = make([]int, n)

		next := make([]float64, n)
		for lt := 1; lt < blockLen; lt++ {
			back[lt] = make([]int, n)
			for j := 0; j < n; j++ {
				best := negInf
				bestI := 0
				for i := 0; i < n; i++ {
					if delta[i] == negInf {
						continue
					}
					score := delta[i] + logA(mdl, i, j)
					if score > best {
						best = score
						bestI = i
					}
				}
				next[j] = best + logB(mdl, j, obsBlock[lt])
				back[lt][j] = bestI
			}
			copy(delta, next)
		}

		info.exitScore[s] = append([]float64(nil), delta...)
		info.back[s] = back
	}

	return info
}

func blockParallelViterbi(ctx context.Context, mdl *Model, obs []int, cfg Config, exec executor.Executor) (*DecodeResult, error) {
	n := mdl.N
	t := len(obs)
	blockSize := cfg.ViterbiBlockSize

	type span struct{ start, end int }
	spans := make([]span, 0, (t+blockSize-1)/blockSize)
	for start := 0; start < t; start += blockSize {
		end := start + blockSize
		if end > t {
			end = t
		}
		spans = append(spans, span{start, end})
	}

	// Phase 1: compute every block's local DP for all N entry states, in
	// parallel across blocks.
	tasks := make([]executor.Task, len(spans))
	for bi, sp := range spans {
		sp := sp
		tasks[bi] = func(context.Context) (any, error) {
			info := computeBlockInfo(mdl, obs[sp.start:sp.end], bi == 0)
			info.start, info.end = sp.start, sp.end
			return info, nil
		}
	}
	rawInfos, err := exec.Run(ctx, tasks)
	if err != nil {
		return nil, err
	}
	blocks := make([]blockInfo, len(rawInfos))
	for i, r := range rawInfos {
		blocks[i] = r.(blockInfo)
	}

	// Phase 2: sequential reduce, chaining block boundaries to find each
	// block's true entry state.
	v := make([]float64, n)
	for i := 0; i < n; i++ {
		pi := mdl.Pi[i]
		if pi > 0 {
			v[i] = math.Log(pi)
		} else {
			v[i] = negInf
		}
	}

	entryChoice := make([][]int, len(blocks)) // entryChoice[b][exitState] = entryState
	for b, blk := range blocks {
		exitVec := make([]float64, n)
		choice := make([]int, n)
		for j := 0; j < n; j++ {
			best := negInf
			bestS := 0
			for s := 0; s < n; s++ {
				if v[s] == negInf {
					continue
				}
				score := v[s] + blk.exitScore[s][j]
				if score > best {
					best = score
					bestS = s
				}
			}
			exitVec[j] = best
			choice[j] = bestS
		}
		entryChoice[b] = choice
		v = exitVec
	}

	best := negInf
	bestFinalState := 0
	for j, sc := range v {
		if sc > best {
			best = sc
			bestFinalState = j
		}
	}
	if math.IsInf(best, -1) {
		return nil, themeerrors.ErrDiverged
	}

	// Chase entry states backward from the last block to the first.
	blockEntryState := make([]int, len(blocks))
	blockExitState := make([]int, len(blocks))
	exitState := bestFinalState
	for b := len(blocks) - 1; b >= 0; b-- {
		entryState := entryChoice[b][exitState]
		blockEntryState[b] = entryState
		blockExitState[b] = exitState
		exitState = entryState
	}

	// Phase 3: finalize, in parallel, tracing each block's exact path now
	// that its entry state is known.
	finalizeTasks := make([]executor.Task, len(blocks))
	for bi, blk := range blocks {
		bi, blk := bi, blk
		finalizeTasks[bi] = func(context.Context) (any, error) {
			entry := blockEntryState[bi]
			exit := blockExitState[bi]
			blockLen := blk.end - blk.start
			localStates := make([]int, blockLen)
			localStates[blockLen-1] = exit
			back := blk.back[entry]
			for bt := blockLen - 1; bt > 0; bt-- {
				localStates[bt-1] = back[bt][localStates[bt]]
			}
			return blockPath{index: bi, states: localStates}, nil
		}
	}
	pathResults, err := exec.Run(ctx, finalizeTasks)
	if err != nil {
		return nil, err
	}

	states := make([]int, t)
	for _, r := range pathResults {
		bp := r.(blockPath)
		sp := spans[bp.index]
		// Local time bt within the block maps to global time blockStart+bt,
		// since local index 0 is the block's first (not preceding) element.
		for bt, st := range bp.states {
			states[sp.start+bt] = st
		}
	}

	return &DecodeResult{States: states, LogProb: best}, nil
}

type blockPath struct {
	index  int
	states []int
}
