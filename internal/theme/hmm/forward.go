package hmm

import (
	"context"
	"math"

	"github.com/arjunv/themeflow/internal/theme/executor"
	"github.com/arjunv/themeflow/internal/theme/numeric"
	"github.com/arjunv/themeflow/internal/theme/scan"
	themeerrors "github.com/arjunv/themeflow/pkg/errors"
)

// step pairs a normalized transition-emission operator matrix with the log
// of the scaling constant factored out of it. Composing steps under combine
// reconstructs, up to floating-point rounding, the same unnormalized matrix
// product a naive unscaled recurrence would produce, while keeping every
// intermediate matrix's entries near unit scale. This is the block-parallel
// reformulation of the scaled forward recurrence: each step operator TA_t
// folds transition and emission into one matrix, and the associative scan
// engine handles the block decomposition.
type step struct {
	m        *numeric.Matrix
	logScale float64
}

func combine(eps float64) scan.Op[step] {
	return func(a, b step) step {
		product := numeric.NewMatrix(a.m.N)
		numeric.Mul(product, a.m, b.m)
		norm := product.Normalize(eps)
		return step{m: product, logScale: a.logScale + b.logScale + math.Log(norm)}
	}
}

func identityStep(n int) step {
	return step{m: numeric.Identity(n), logScale: 0}
}

// buildStepChain constructs one TA_t operator per observation. For t>=1,
// TA_t[i][j] = A[i][j] * B[j][obs[t]], the joint probability of
// transitioning into state j and emitting the observed word, folded into a
// single matrix so the forward recurrence becomes a chain of matrix
// products. t=0 has no preceding transition, so TA_0 is the diagonal
// emission-only matrix diag(B[i][obs[0]]); composed with the Pi
// premultiplication every prefix already receives (see Forward), this
// yields alpha[0][i] = Pi[i]*B[i][obs[0]] without an extra, spurious
// A-transition before the first observation.
//
// When mdl.HasSparseTransitions holds, each row's inner loop visits only
// columns 0 and i instead of all N.
func buildStepChain(mdl *Model, obs []int) []step {
	sparse := mdl.HasSparseTransitions()
	steps := make([]step, len(obs))
	for t, w := range obs {
		m := numeric.NewMatrix(mdl.N)
		switch {
		case t == 0:
			for i := 0; i < mdl.N; i++ {
				m.Set(i, i, mdl.B[i][w])
			}
		case sparse:
			for i := 0; i < mdl.N; i++ {
				if i != 0 {
					m.Set(i, 0, mdl.A.At(i, 0)*mdl.B[0][w])
				}
				m.Set(i, i, mdl.A.At(i, i)*mdl.B[i][w])
			}
		default:
			for i := 0; i < mdl.N; i++ {
				for j := 0; j < mdl.N; j++ {
					m.Set(i, j, mdl.A.At(i, j)*mdl.B[j][w])
				}
			}
		}
		steps[t] = step{m: m, logScale: 0}
	}
	return steps
}

// ForwardResult holds the scaled forward variable at every time step and the
// per-step log-scale increments needed to reconstruct the sequence
// log-likelihood.
type ForwardResult struct {
	Alpha       []numeric.Vector // Alpha[t], each summing to 1
	LogScale    []float64        // cumulative log-scale at each t
	LogLikelihood float64
}

// Forward runs the scaled forward algorithm over obs, dispatching the
// underlying matrix-product scan across exec when the sequence is long
// enough to be worth parallelizing (per cfg.UseSequential), and folding
// sequentially otherwise.
func Forward(ctx context.Context, mdl *Model, obs []int, cfg Config, exec executor.Executor) (*ForwardResult, error) {
	if len(obs) == 0 {
		return nil, themeerrors.ErrEmptyInput
	}
	if err := mdl.Validate(); err != nil {
		return nil, err
	}

	steps := buildStepChain(mdl, obs)
	op := combine(cfg.Epsilon)

	var prefixes []step
	var err error
	if cfg.UseSequential(len(obs)) {
		prefixes, err = sequentialStepScan(steps, op)
	} else {
		var raw []step
		raw, err = scan.Left(ctx, exec, steps, op, identityStep(mdl.N), cfg.BWBlockSize)
		prefixes = raw
	}
	if err != nil {
		return nil, err
	}

	t := len(obs)
	alpha := make([]numeric.Vector, t)
	logScale := make([]float64, t)
	degenerate := 0

	for i, p := range prefixes {
		v := numeric.NewVector(mdl.N)
		numeric.MulVector(v, transposeMatrix(p.m), mdl.Pi)
		norm := v.Normalize(cfg.Epsilon)
		if norm <= cfg.Epsilon {
			degenerate++
			if degenerate >= 3 {
				return nil, themeerrors.ErrDiverged
			}
		} else {
			degenerate = 0
		}
		alpha[i] = v
		logScale[i] = p.logScale + math.Log(norm)
	}

	return &ForwardResult{
		Alpha:         alpha,
		LogScale:      logScale,
		LogLikelihood: logScale[t-1],
	}, nil
}

func sequentialStepScan(steps []step, op scan.Op[step]) ([]step, error) {
	out := make([]step, len(steps))
	acc := identityStep(steps[0].m.N)
	for i, s := range steps {
		acc = op(acc, s)
		out[i] = acc
	}
	return out, nil
}

// transposeMatrix returns a new matrix that is m's transpose, since the
// forward variable is a row vector premultiplying the prefix operator while
// numeric.MulVector expects the standard m*v orientation.
func transposeMatrix(m *numeric.Matrix) *numeric.Matrix {
	out := numeric.NewMatrix(m.N)
	for i := 0; i < m.N; i++ {
		for j := 0; j < m.N; j++ {
			out.Set(j, i, m.At(i, j))
		}
	}
	return out
}
