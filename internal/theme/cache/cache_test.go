package cache

import (
	"testing"

	"github.com/arjunv/themeflow/internal/theme/driver"
	"github.com/arjunv/themeflow/internal/theme/em"
	"github.com/arjunv/themeflow/internal/theme/hmm"
)

func TestConfigHashIsDeterministic(t *testing.T) {
	cfg := driver.Config{EM: em.DefaultConfig(), HMM: hmm.DefaultConfig(), Restarts: 3}
	a := ConfigHash(cfg)
	b := ConfigHash(cfg)
	if a != b {
		t.Fatalf("expected deterministic hash, got %s and %s", a, b)
	}
}

func TestConfigHashChangesWithConfig(t *testing.T) {
	base := driver.Config{EM: em.DefaultConfig(), HMM: hmm.DefaultConfig(), Restarts: 3}
	changed := base
	changed.Restarts = 5

	if ConfigHash(base) == ConfigHash(changed) {
		t.Fatal("expected differing restarts to produce different hashes")
	}
}

func TestFromResultRoundTripsModelShape(t *testing.T) {
	mdl := hmm.NewModel(2, 3)
	mdl.Pi[0] = 0.6
	mdl.Pi[1] = 0.4
	mdl.A.Set(0, 0, 0.7)
	mdl.A.Set(0, 1, 0.3)
	mdl.A.Set(1, 0, 0.2)
	mdl.A.Set(1, 1, 0.8)

	res := &driver.Result{
		PartitionID: "p0",
		Model:       mdl,
		Decoded:     &hmm.DecodeResult{States: []int{0, 1, 0}, LogProb: -3.2},
		BestEM: em.EmInput{
			Themes: []em.Theme{{WordProb: map[int]float64{0: 1}, AveragePi: 0.5}},
		},
	}

	entry := FromResult(res)
	if entry.N != 2 {
		t.Fatalf("expected N=2, got %d", entry.N)
	}
	if len(entry.A) != 4 {
		t.Fatalf("expected 4 flattened A entries, got %d", len(entry.A))
	}
	if entry.A[0] != 0.7 || entry.A[3] != 0.8 {
		t.Errorf("unexpected flattened A: %v", entry.A)
	}
	if len(entry.States) != 3 {
		t.Fatalf("expected 3 decoded states, got %d", len(entry.States))
	}
}
