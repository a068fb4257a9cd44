// Package driver orchestrates one partition's full pipeline run: run the EM
// theme fitter across several random restarts and keep the best
// log-likelihood, filter weak themes, shape the surviving themes into an
// HMM's fixed emission table, train the HMM with Baum-Welch, and decode the
// partition's observation sequence with Viterbi. It has no business logic
// beyond selection and shaping, and no knowledge of Kafka, RPC, caching, or
// persistence — those are the caller's concern.
package driver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/arjunv/themeflow/internal/theme/em"
	"github.com/arjunv/themeflow/internal/theme/executor"
	"github.com/arjunv/themeflow/internal/theme/hmm"
	themeerrors "github.com/arjunv/themeflow/pkg/errors"
	"github.com/arjunv/themeflow/pkg/tracing"
)

// Config bundles the EM and HMM tunables a full run needs.
type Config struct {
	EM       em.Config
	HMM      hmm.Config
	Restarts int
}

// Result is everything a caller (RPC handler, Kafka consumer, CLI) needs
// after a full partition run.
type Result struct {
	PartitionID       string
	BestEM            em.EmInput
	Model             *hmm.Model
	FitResult         *hmm.FitResult
	Decoded           *hmm.DecodeResult
	EMLogLikelihood   float64
	BaumWelchDuration time.Duration
	ViterbiDuration   time.Duration
}

// Run executes the full restart -> select -> filter -> shape -> train ->
// decode pipeline for one partition.
func Run(ctx context.Context, partitionID string, docs []em.Document, background em.BackgroundModel, observations []int, cfg Config, exec executor.Executor, tau float64) (*Result, error) {
	ctx, span := tracing.StartChildSpan(ctx, "driver.Run")
	span.SetAttr("partition_id", partitionID)
	defer span.End()

	if cfg.Restarts < 1 {
		return nil, fmt.Errorf("%w: driver.Config.Restarts must be >= 1, got %d", themeerrors.ErrInvalidConfiguration, cfg.Restarts)
	}

	emCtx, emSpan := tracing.StartChildSpan(ctx, "driver.bestEMRun")
	best, err := bestEMRun(emCtx, partitionID, docs, background, cfg.EM, cfg.Restarts)
	emSpan.End()
	if err != nil {
		return nil, err
	}

	filtered := em.Filter(best, tau)
	if len(filtered.Themes) == 0 {
		return nil, fmt.Errorf("%w: partition %s: all themes filtered out", themeerrors.ErrNumericalDegeneracy, partitionID)
	}
	span.SetAttr("themes", len(filtered.Themes))

	mdl := shapeModel(filtered, background)

	bwCtx, bwSpan := tracing.StartChildSpan(ctx, "hmm.Fit")
	bwStart := time.Now()
	fitResult, err := hmm.Fit(bwCtx, mdl, observations, cfg.HMM, exec)
	bwDuration := time.Since(bwStart)
	bwSpan.SetAttr("iterations", fitResult.Iterations)
	bwSpan.End()
	if err != nil {
		return nil, err
	}

	viterbiCtx, viterbiSpan := tracing.StartChildSpan(ctx, "hmm.Decode")
	viterbiStart := time.Now()
	decoded, err := hmm.Decode(viterbiCtx, mdl, observations, cfg.HMM, exec)
	viterbiDuration := time.Since(viterbiStart)
	viterbiSpan.End()
	if err != nil {
		return nil, err
	}

	slog.Info("partition fit complete",
		"partition_id", partitionID,
		"themes", len(filtered.Themes),
		"em_log_likelihood", filtered.LogLikelihood,
		"bw_iterations", fitResult.Iterations,
		"bw_converged", fitResult.Converged,
	)

	return &Result{
		PartitionID:       partitionID,
		BestEM:            filtered,
		Model:             mdl,
		FitResult:         fitResult,
		Decoded:           decoded,
		EMLogLikelihood:   filtered.LogLikelihood,
		BaumWelchDuration: bwDuration,
		ViterbiDuration:   viterbiDuration,
	}, nil
}

// bestEMRun replicates the EM fit across cfg.Restarts independent random
// initializations and keeps the run with the highest log-likelihood.
func bestEMRun(ctx context.Context, partitionID string, docs []em.Document, background em.BackgroundModel, cfg em.Config, restarts int) (em.EmInput, error) {
	var best em.EmInput
	haveBest := false

	for run := 0; run < restarts; run++ {
		input := em.EmInput{
			PartitionID: partitionID,
			RunID:       run,
			Background:  background,
			Documents:   docs,
		}
		out, err := em.Fit(ctx, input, cfg)
		if err != nil {
			return em.EmInput{}, fmt.Errorf("partition %s restart %d: %w", partitionID, run, err)
		}
		slog.Debug("em restart complete",
			"partition_id", partitionID,
			"run", run,
			"iterations", out.Iterations,
			"log_likelihood", out.LogLikelihood,
		)
		if !haveBest || out.LogLikelihood > best.LogLikelihood {
			best = out
			haveBest = true
		}
	}

	return best, nil
}

// shapeModel builds the HMM's fixed emission table from the filtered EM
// themes: state 0 is background (using the shared background model), and
// states 1..K use the surviving themes' word distributions.
func shapeModel(filtered em.EmInput, background em.BackgroundModel) *hmm.Model {
	k := len(filtered.Themes)
	n := k + 1
	vocabSize := len(background.Prob)

	mdl := hmm.NewModel(n, vocabSize)
	mdl.SeedUniform(0.9)

	for w := 0; w < vocabSize; w++ {
		mdl.B[0][w] = background.At(w, 1e-10)
	}
	for j, theme := range filtered.Themes {
		row := mdl.B[j+1]
		for w := range row {
			row[w] = 0
		}
		for w, p := range theme.WordProb {
			row[w] = p
		}
	}

	return mdl
}

