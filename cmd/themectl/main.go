// Command themectl runs a single partition through the full EM+HMM
// pipeline from the command line, without a running pipeline service.
// It is meant for local development, backfills, and debugging a single
// partition's fit in isolation.
//
// Usage:
//
//	themectl -partition partition.json -vocab vocab.txt [-config configs/development.yaml]
//
// partition.json holds one partition's documents:
//
//	{"id": "2024-01-01T00:00:00Z", "documents": [{"title": "d1", "wordCounts": {"gdp": 3, "inflation": 2}}]}
//
// Exit codes follow pkg/errors.ExitCode: 0 success, 2 invalid
// configuration, 3 input read error, 4 did-not-converge (the fit diverged,
// or Baum-Welch used its iteration budget without converging; the summary
// is still printed in that case), 5 timeout, 1 any other internal error.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/arjunv/themeflow/internal/theme/driver"
	"github.com/arjunv/themeflow/internal/theme/em"
	"github.com/arjunv/themeflow/internal/theme/hmm"
	"github.com/arjunv/themeflow/internal/theme/partition"
	"github.com/arjunv/themeflow/internal/theme/vocab"
	"github.com/arjunv/themeflow/pkg/config"
	themeerrors "github.com/arjunv/themeflow/pkg/errors"
)

type partitionFile struct {
	ID        string `json:"id"`
	Documents []struct {
		Title      string         `json:"title"`
		WordCounts map[string]int `json:"wordCounts"`
	} `json:"documents"`
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to config file (defaults applied if omitted)")
	partitionPath := flag.String("partition", "", "path to a partition JSON file (required)")
	vocabPath := flag.String("vocab", "", "path to a newline-delimited vocabulary file (required)")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall run timeout")
	flag.Parse()

	if *partitionPath == "" || *vocabPath == "" {
		fmt.Fprintln(os.Stderr, "both -partition and -vocab are required")
		return themeerrors.ExitCode(themeerrors.CodeInvalidConfiguration)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return themeerrors.ExitCode(themeerrors.CodeInvalidConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		return themeerrors.ExitCode(themeerrors.CodeInvalidConfiguration)
	}

	pf, err := loadPartitionFile(*partitionPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load partition file: %v\n", err)
		return themeerrors.ExitCode(themeerrors.CodeInputReadError)
	}

	v, err := loadVocab(*vocabPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load vocabulary: %v\n", err)
		return themeerrors.ExitCode(themeerrors.CodeInputReadError)
	}

	background := uniformBackground(v.Size())

	docs := make([]partition.Document, len(pf.Documents))
	for i, d := range pf.Documents {
		docs[i] = partition.Document{Title: d.Title, WordCounts: d.WordCounts}
	}
	tp := partition.TimePartition{ID: pf.ID, Documents: docs}

	driverCfg := driver.Config{
		EM: em.Config{
			K:                cfg.Theme.K,
			LambdaBackground: cfg.Theme.LambdaBackground,
			MaxIterations:    cfg.Theme.EMMaxIterations,
			ConvergenceEps:   cfg.Theme.EMConvergenceEps,
			Epsilon:          cfg.Theme.BackgroundFloor,
			RNGSeed:          cfg.Theme.RNGSeed,
		},
		HMM: hmm.Config{
			BWMaxIterations:          cfg.HMM.BWMaxIterations,
			PiThreshold:              cfg.HMM.PiThreshold,
			AThreshold:               cfg.HMM.AThreshold,
			BWBlockSize:              cfg.HMM.BWBlockSize,
			ViterbiBlockSize:         cfg.HMM.ViterbiBlockSize,
			ForceSequentialBaumWelch: cfg.HMM.ForceSequentialBaumWelch,
			SequentialThreshold:      cfg.HMM.SequentialThreshold,
			MaxWorkers:               cfg.HMM.MaxWorkers,
		},
		Restarts: cfg.Theme.EMRestarts,
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	docsForEM := tp.ToEMDocuments(v)
	obs := tp.ObservationSequence(v)

	result, err := driver.Run(ctx, tp.ID, docsForEM, background, obs, driverCfg, nil, cfg.Theme.ThemeFilterTau)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fit failed: %v\n", err)
		return themeerrors.ExitCode(themeerrors.Code(err))
	}

	if err := json.NewEncoder(os.Stdout).Encode(summarize(result)); err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode result: %v\n", err)
		return themeerrors.ExitCode(themeerrors.CodeInternal)
	}
	if !result.FitResult.Converged {
		return themeerrors.ExitCode(themeerrors.CodeDidNotConverge)
	}
	return themeerrors.ExitCode(themeerrors.CodeOK)
}

type cliResult struct {
	PartitionID     string  `json:"partitionId"`
	ThemeCount      int     `json:"themeCount"`
	EMLogLikelihood float64 `json:"emLogLikelihood"`
	BWIterations    int     `json:"bwIterations"`
	BWConverged     bool    `json:"bwConverged"`
	DecodedStates   []int   `json:"decodedStates"`
	DecodedLogProb  float64 `json:"decodedLogProb"`
}

func summarize(res *driver.Result) cliResult {
	return cliResult{
		PartitionID:     res.PartitionID,
		ThemeCount:      len(res.BestEM.Themes),
		EMLogLikelihood: res.EMLogLikelihood,
		BWIterations:    res.FitResult.Iterations,
		BWConverged:     res.FitResult.Converged,
		DecodedStates:   res.Decoded.States,
		DecodedLogProb:  res.Decoded.LogProb,
	}
}

func loadPartitionFile(path string) (*partitionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var pf partitionFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parsing partition file: %w", err)
	}
	return &pf, nil
}

func loadVocab(path string) (*vocab.Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	b := vocab.NewBuilder()
	b.AddText(string(data))
	idx := b.Build()
	if idx.Size() == 0 {
		return nil, fmt.Errorf("vocabulary file %s produced an empty vocabulary", path)
	}
	return idx, nil
}

func uniformBackground(n int) em.BackgroundModel {
	prob := make([]float64, n)
	uniform := 1.0 / float64(n)
	for i := range prob {
		prob[i] = uniform
	}
	return em.BackgroundModel{Prob: prob}
}
