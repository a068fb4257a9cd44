// Package hmm implements the hidden Markov model layered on top of a
// partition's fitted themes: state 0 is the background state and states
// 1..K correspond to the surviving themes from the EM stage. Training
// (Baum-Welch) expresses the forward/backward recurrences as scans over
// per-time-step matrices, run on the block-parallel scan engine
// (internal/theme/scan); decoding (Viterbi) splits the sequence into blocks
// of its own and schedules them directly on the executor. The emission
// matrix B is held fixed throughout training, since it
// is derived from the EM theme fits and is not itself re-estimated by
// Baum-Welch, a fixed-emission simplification of the classical algorithm.
package hmm

import (
	"fmt"

	"github.com/arjunv/themeflow/internal/theme/numeric"
	themeerrors "github.com/arjunv/themeflow/pkg/errors"
)

// Model holds the parameters of a single partition's HMM: N = K+1 states
// (background plus K themes), a row-stochastic transition matrix A, an
// initial state distribution Pi, and a fixed N x M emission matrix B giving
// p(word | state) for every word in the partition's vocabulary.
type Model struct {
	N     int
	M     int
	Pi    numeric.Vector
	A     *numeric.Matrix
	B     [][]float64 // N x M, B[state][wordID]
}

// NewModel allocates a model with N states over an M-word vocabulary. A and
// Pi start zeroed; callers populate them (typically SeedUniform followed by
// caller-supplied B) before training.
func NewModel(n, m int) *Model {
	b := make([][]float64, n)
	for i := range b {
		b[i] = make([]float64, m)
	}
	return &Model{
		N:  n,
		M:  m,
		Pi: numeric.NewVector(n),
		A:  numeric.NewMatrix(n),
		B:  b,
	}
}

// Validate checks the structural invariants Baum-Welch and Viterbi both
// require: the sizes of A, Pi and B agree with N and M. It does not check
// that rows are stochastic or that no state is absorbing.
func (mdl *Model) Validate() error {
	if mdl.N < 1 {
		return fmt.Errorf("%w: hmm state count must be >= 1, got %d", themeerrors.ErrInvalidConfiguration, mdl.N)
	}
	if mdl.A.N != mdl.N {
		return fmt.Errorf("%w: transition matrix size %d does not match state count %d", themeerrors.ErrInvalidConfiguration, mdl.A.N, mdl.N)
	}
	if len(mdl.Pi) != mdl.N {
		return fmt.Errorf("%w: initial distribution length %d does not match state count %d", themeerrors.ErrInvalidConfiguration, len(mdl.Pi), mdl.N)
	}
	if len(mdl.B) != mdl.N {
		return fmt.Errorf("%w: emission matrix rows %d does not match state count %d", themeerrors.ErrInvalidConfiguration, len(mdl.B), mdl.N)
	}
	for i, row := range mdl.B {
		if len(row) != mdl.M {
			return fmt.Errorf("%w: emission matrix row %d has %d columns, want %d", themeerrors.ErrInvalidConfiguration, i, len(row), mdl.M)
		}
	}
	return nil
}

// SeedUniform initializes Pi uniformly and A as a diagonally-biased
// row-stochastic matrix favoring self-transition, a standard neutral start
// for Baum-Welch that avoids the all-uniform saddle point.
func (mdl *Model) SeedUniform(selfBias float64) {
	for i := 0; i < mdl.N; i++ {
		mdl.Pi[i] = 1.0 / float64(mdl.N)
	}
	off := (1 - selfBias) / float64(mdl.N-1)
	for i := 0; i < mdl.N; i++ {
		for j := 0; j < mdl.N; j++ {
			if i == j {
				mdl.A.Set(i, j, selfBias)
			} else {
				mdl.A.Set(i, j, off)
			}
		}
	}
}

// HasSparseTransitions reports whether A matches the "background +
// self-loop" structure typical of theme HMMs: A[i][j] == 0 unless j == 0
// or j == i. Forward's step-chain and Baum-Welch's re-estimation both
// check this once per call and, when it holds, visit only the two
// possibly-nonzero columns per row instead of all N.
func (mdl *Model) HasSparseTransitions() bool {
	for i := 0; i < mdl.N; i++ {
		for j := 0; j < mdl.N; j++ {
			if j == 0 || j == i {
				continue
			}
			if mdl.A.At(i, j) != 0 {
				return false
			}
		}
	}
	return true
}

// Sequence is one partition's ordered stream of per-time-step word
// observations, each an index into the model's vocabulary.
type Sequence struct {
	PartitionID  string
	Observations []int
}

// Config holds the tunables for Baum-Welch training and Viterbi decoding.
type Config struct {
	BWMaxIterations          int
	PiThreshold              float64
	AThreshold               float64
	BWBlockSize              int
	ViterbiBlockSize         int
	ForceSequentialBaumWelch bool
	SequentialThreshold      int64
	MaxWorkers               int
	Epsilon                  float64
}

// DefaultConfig mirrors the pipeline's documented defaults.
func DefaultConfig() Config {
	return Config{
		BWMaxIterations:     100,
		PiThreshold:         1e-4,
		AThreshold:          1e-4,
		BWBlockSize:         1 << 20,
		ViterbiBlockSize:    1 << 20,
		SequentialThreshold: 1_000_000_000,
		Epsilon:             1e-10,
	}
}

// UseSequential reports whether the given sequence length should bypass the
// block-parallel path: an explicit force flag, or a length under the
// configured sequential threshold where the parallel dispatch overhead would
// dominate the work itself.
func (c Config) UseSequential(t int) bool {
	return c.ForceSequentialBaumWelch || int64(t) < c.SequentialThreshold
}
