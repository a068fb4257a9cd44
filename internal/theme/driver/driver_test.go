package driver

import (
	"context"
	"testing"

	"github.com/arjunv/themeflow/internal/theme/em"
	"github.com/arjunv/themeflow/internal/theme/hmm"
)

func uniformBackground(vocab int) em.BackgroundModel {
	p := make([]float64, vocab)
	for i := range p {
		p[i] = 1.0 / float64(vocab)
	}
	return em.BackgroundModel{Prob: p}
}

func TestRunEndToEnd(t *testing.T) {
	background := uniformBackground(6)
	docs := []em.Document{
		{ID: "a", Counts: map[int]int{0: 2, 1: 2, 2: 20, 3: 20}},
		{ID: "b", Counts: map[int]int{0: 2, 1: 2, 4: 20, 5: 20}},
	}
	observations := []int{2, 3, 2, 3, 4, 5, 4, 5, 2, 3}

	cfg := Config{
		EM: em.Config{
			K:                2,
			LambdaBackground: 0.3,
			MaxIterations:    40,
			ConvergenceEps:   1e-3,
			Epsilon:          1e-10,
			RNGSeed:          7,
		},
		HMM:      hmm.DefaultConfig(),
		Restarts: 2,
	}

	result, err := Run(context.Background(), "p0", docs, background, observations, cfg, nil, 0.1)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if result.Model == nil {
		t.Fatal("expected a shaped model")
	}
	if len(result.Decoded.States) != len(observations) {
		t.Fatalf("expected %d decoded states, got %d", len(observations), len(result.Decoded.States))
	}
	if result.Model.N < 2 {
		t.Fatalf("expected at least 2 states (background + 1 theme), got %d", result.Model.N)
	}
}

func TestRunRejectsZeroRestarts(t *testing.T) {
	cfg := Config{EM: em.DefaultConfig(), HMM: hmm.DefaultConfig(), Restarts: 0}
	_, err := Run(context.Background(), "p0", nil, uniformBackground(4), nil, cfg, nil, 0.1)
	if err == nil {
		t.Fatal("expected error for zero restarts, got nil")
	}
}

func TestRunFailsWhenAllThemesFiltered(t *testing.T) {
	background := uniformBackground(4)
	docs := []em.Document{{ID: "a", Counts: map[int]int{0: 1, 1: 1}}}
	cfg := Config{
		EM: em.Config{
			K:                5,
			LambdaBackground: 0.99,
			MaxIterations:    5,
			ConvergenceEps:   1e-3,
			Epsilon:          1e-10,
			RNGSeed:          1,
		},
		HMM:      hmm.DefaultConfig(),
		Restarts: 1,
	}
	_, err := Run(context.Background(), "p0", docs, background, []int{0, 1}, cfg, nil, 1000.0)
	if err == nil {
		t.Fatal("expected error when theme filtering removes every theme, got nil")
	}
}
