package hmm

import (
	"context"
	"math"

	"github.com/arjunv/themeflow/internal/theme/executor"
	"github.com/arjunv/themeflow/internal/theme/numeric"
	"github.com/arjunv/themeflow/internal/theme/scan"
	themeerrors "github.com/arjunv/themeflow/pkg/errors"
)

// BackwardResult holds the scaled backward variable at every time step,
// mirroring ForwardResult.
type BackwardResult struct {
	Beta     []numeric.Vector
	LogScale []float64
}

// Backward runs the scaled backward algorithm over obs. It reuses the same
// TA_t step operators as Forward, but folds them right-to-left via
// scan.Right: beta_t = TA_{t+1} * beta_{t+1}, with beta at the final time
// step fixed at the all-ones vector.
func Backward(ctx context.Context, mdl *Model, obs []int, cfg Config, exec executor.Executor) (*BackwardResult, error) {
	if len(obs) == 0 {
		return nil, themeerrors.ErrEmptyInput
	}
	if err := mdl.Validate(); err != nil {
		return nil, err
	}

	t := len(obs)
	beta := make([]numeric.Vector, t)
	logScale := make([]float64, t)

	beta[t-1] = numeric.Ones(mdl.N)
	logScale[t-1] = 0

	if t == 1 {
		return &BackwardResult{Beta: beta, LogScale: logScale}, nil
	}

	// S[k] = TA_{k+1} for k in [0, t-2], built from obs[1..t-1].
	allSteps := buildStepChain(mdl, obs)
	tailSteps := allSteps[1:]
	op := combine(cfg.Epsilon)

	var suffixes []step
	var err error
	if cfg.UseSequential(len(tailSteps)) {
		suffixes, err = sequentialSuffixScan(tailSteps, op, mdl.N)
	} else {
		suffixes, err = scan.Right(ctx, exec, tailSteps, op, identityStep(mdl.N), cfg.BWBlockSize)
	}
	if err != nil {
		return nil, err
	}

	degenerate := 0
	for k, s := range suffixes {
		v := numeric.NewVector(mdl.N)
		numeric.MulVector(v, s.m, numeric.Ones(mdl.N))
		norm := v.Normalize(cfg.Epsilon)
		if norm <= cfg.Epsilon {
			degenerate++
			if degenerate >= 3 {
				return nil, themeerrors.ErrDiverged
			}
		} else {
			degenerate = 0
		}
		beta[k] = v
		logScale[k] = s.logScale + math.Log(norm)
	}

	return &BackwardResult{Beta: beta, LogScale: logScale}, nil
}

func sequentialSuffixScan(steps []step, op scan.Op[step], n int) ([]step, error) {
	out := make([]step, len(steps))
	acc := identityStep(n)
	for i := len(steps) - 1; i >= 0; i-- {
		acc = op(steps[i], acc)
		out[i] = acc
	}
	return out, nil
}
