package hmm

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/arjunv/themeflow/internal/theme/executor"
	"github.com/arjunv/themeflow/internal/theme/numeric"
	themeerrors "github.com/arjunv/themeflow/pkg/errors"
	"github.com/arjunv/themeflow/pkg/resilience"
)

// FitResult reports the outcome of a Baum-Welch training run.
type FitResult struct {
	Iterations    int
	Converged     bool
	LogLikelihood float64
	BreakerState  resilience.State
}

// degeneracyBreakerThreshold matches the taxonomy's rule that three
// consecutive numerical-degeneracy events abort the run as Diverged.
const degeneracyBreakerThreshold = 3

// Fit trains mdl's Pi and A in place against obs using scaled Baum-Welch,
// re-estimating Pi and A each iteration (B stays fixed, since it comes from
// the EM theme fit) until both change by less than their configured
// thresholds or cfg.BWMaxIterations is exhausted. A run whose forward or
// backward pass reports three consecutive numerical-degeneracy events across
// iterations aborts early wrapped in themeerrors.ErrDiverged.
func Fit(ctx context.Context, mdl *Model, obs []int, cfg Config, exec executor.Executor) (*FitResult, error) {
	if len(obs) == 0 {
		return nil, themeerrors.ErrEmptyInput
	}
	if err := mdl.Validate(); err != nil {
		return nil, err
	}

	breaker := resilience.NewCircuitBreaker("numerical-degeneracy", resilience.CircuitBreakerConfig{
		FailureThreshold: degeneracyBreakerThreshold,
	})

	result := &FitResult{}
	for iter := 0; iter < cfg.BWMaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("%w: %v", themeerrors.ErrCancelled, err)
		}

		var fwd *ForwardResult
		var bwd *BackwardResult
		iterErr := breaker.Execute(func() error {
			var err error
			fwd, err = Forward(ctx, mdl, obs, cfg, exec)
			if err != nil {
				return err
			}
			bwd, err = Backward(ctx, mdl, obs, cfg, exec)
			return err
		})
		if iterErr != nil {
			result.BreakerState = breaker.GetState()
			if errors.Is(iterErr, resilience.ErrCircuitOpen) || result.BreakerState == resilience.StateOpen {
				return result, themeerrors.ErrDiverged
			}
			if errors.Is(iterErr, themeerrors.ErrDiverged) || errors.Is(iterErr, themeerrors.ErrNumericalDegeneracy) {
				// Degenerate pass: Pi and A keep their current values and the
				// breaker counts the event toward its threshold.
				continue
			}
			return result, iterErr
		}

		piNew, aNew, err := reestimate(mdl, obs, fwd, bwd, cfg)
		if err != nil {
			return result, err
		}

		piDelta := l1Delta(mdl.Pi, piNew)
		aDelta := matrixL1Delta(mdl.A, aNew)

		mdl.Pi = piNew
		mdl.A = aNew

		result.Iterations = iter + 1
		result.LogLikelihood = fwd.LogLikelihood

		if piDelta < cfg.PiThreshold && aDelta < cfg.AThreshold {
			result.Converged = true
			break
		}
	}

	result.BreakerState = breaker.GetState()
	return result, nil
}

// reestimate computes the re-estimated Pi and A from one forward/backward
// pass: Pi_i = gamma_0(i); A_ij = sum_t xi_t(i,j) / sum_t gamma_t(i), the
// standard Baum-Welch update equations, using the scaled alpha/beta already
// normalized to sum to one at each time step so no additional rescaling by
// the sequence likelihood is needed. When mdl.HasSparseTransitions holds,
// the xi accumulation visits only columns 0 and i per row instead of all N.
func reestimate(mdl *Model, obs []int, fwd *ForwardResult, bwd *BackwardResult, cfg Config) (numeric.Vector, *numeric.Matrix, error) {
	n := mdl.N
	t := len(obs)

	gamma := make([]numeric.Vector, t)
	for k := 0; k < t; k++ {
		g := numeric.NewVector(n)
		sum := 0.0
		for i := 0; i < n; i++ {
			g[i] = fwd.Alpha[k][i] * bwd.Beta[k][i]
			sum += g[i]
		}
		if sum <= cfg.Epsilon {
			sum = cfg.Epsilon
		}
		for i := range g {
			g[i] /= sum
		}
		gamma[k] = g
	}

	xiSum := numeric.NewMatrix(n)
	gammaSumExclLast := numeric.NewVector(n)
	sparse := mdl.HasSparseTransitions()

	for k := 0; k < t-1; k++ {
		w := obs[k+1]
		step := numeric.NewMatrix(n)
		total := 0.0
		if sparse {
			for i := 0; i < n; i++ {
				v0 := fwd.Alpha[k][i] * mdl.A.At(i, 0) * mdl.B[0][w] * bwd.Beta[k+1][0]
				step.Set(i, 0, v0)
				total += v0
				if i != 0 {
					vi := fwd.Alpha[k][i] * mdl.A.At(i, i) * mdl.B[i][w] * bwd.Beta[k+1][i]
					step.Set(i, i, vi)
					total += vi
				}
			}
		} else {
			for i := 0; i < n; i++ {
				for j := 0; j < n; j++ {
					v := fwd.Alpha[k][i] * mdl.A.At(i, j) * mdl.B[j][w] * bwd.Beta[k+1][j]
					step.Set(i, j, v)
					total += v
				}
			}
		}
		if total <= cfg.Epsilon {
			total = cfg.Epsilon
		}
		if sparse {
			for i := 0; i < n; i++ {
				xiSum.Set(i, 0, xiSum.At(i, 0)+step.At(i, 0)/total)
				if i != 0 {
					xiSum.Set(i, i, xiSum.At(i, i)+step.At(i, i)/total)
				}
			}
		} else {
			for i := 0; i < n; i++ {
				for j := 0; j < n; j++ {
					xiSum.Set(i, j, xiSum.At(i, j)+step.At(i, j)/total)
				}
			}
		}
	}

	for k := 0; k < t-1; k++ {
		for i := 0; i < n; i++ {
			gammaSumExclLast[i] += gamma[k][i]
		}
	}

	piNew := numeric.NewVector(n)
	copy(piNew, gamma[0])

	aNew := numeric.NewMatrix(n)
	for i := 0; i < n; i++ {
		denom := gammaSumExclLast[i]
		if denom <= cfg.Epsilon {
			denom = cfg.Epsilon
		}
		for j := 0; j < n; j++ {
			aNew.Set(i, j, xiSum.At(i, j)/denom)
		}
	}

	return piNew, aNew, nil
}

func l1Delta(a, b numeric.Vector) float64 {
	sum := 0.0
	for i := range a {
		d := a[i] - b[i]
		if d < 0 {
			d = -d
		}
		sum += d
	}
	return sum
}

func matrixL1Delta(a, b *numeric.Matrix) float64 {
	sum := 0.0
	for i := 0; i < a.N; i++ {
		for j := 0; j < a.N; j++ {
			d := a.At(i, j) - b.At(i, j)
			if d < 0 {
				d = -d
			}
			sum += math.Abs(d)
		}
	}
	return sum
}
