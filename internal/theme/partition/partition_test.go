package partition

import (
	"context"
	"testing"
	"time"

	"github.com/arjunv/themeflow/internal/theme/driver"
	"github.com/arjunv/themeflow/internal/theme/em"
	"github.com/arjunv/themeflow/internal/theme/hmm"
	"github.com/arjunv/themeflow/internal/theme/vocab"
)

func testDriverConfig() driver.Config {
	emCfg := em.DefaultConfig()
	emCfg.K = 2
	emCfg.MaxIterations = 10
	return driver.Config{EM: emCfg, HMM: hmm.DefaultConfig(), Restarts: 1}
}

func testVocab() *vocab.Index {
	b := vocab.NewBuilder()
	b.AddTerm("alpha")
	b.AddTerm("beta")
	b.AddTerm("gamma")
	return b.Build()
}

func TestToEMDocumentsResolvesKnownTokens(t *testing.T) {
	v := testVocab()
	p := TimePartition{
		ID: "p0",
		Documents: []Document{
			{Title: "doc-a", WordCounts: map[string]int{"alpha": 3, "unknown-token": 5}},
		},
	}
	docs := p.ToEMDocuments(v)
	if len(docs) != 1 {
		t.Fatalf("expected 1 document, got %d", len(docs))
	}
	alphaID, _ := v.IndexOf("alpha")
	if docs[0].Counts[alphaID] != 3 {
		t.Errorf("expected alpha count 3, got %d", docs[0].Counts[alphaID])
	}
	if len(docs[0].Counts) != 1 {
		t.Errorf("expected unknown token to be dropped, got counts %v", docs[0].Counts)
	}
}

func TestObservationSequenceLengthMatchesCounts(t *testing.T) {
	v := testVocab()
	p := TimePartition{
		ID: "p0",
		Documents: []Document{
			{Title: "doc-a", WordCounts: map[string]int{"alpha": 2, "beta": 1}},
		},
	}
	seq := p.ObservationSequence(v)
	if len(seq) != 3 {
		t.Fatalf("expected sequence length 3, got %d", len(seq))
	}
}

func TestCoordinatorRunAllIsolatesFailures(t *testing.T) {
	v := testVocab()
	background := em.BackgroundModel{Prob: []float64{0.4, 0.3, 0.3}}

	good := TimePartition{
		ID:       "good",
		Interval: time.Hour,
		Documents: []Document{
			{Title: "d1", WordCounts: map[string]int{"alpha": 10, "beta": 10}},
			{Title: "d2", WordCounts: map[string]int{"gamma": 10, "beta": 10}},
		},
	}
	empty := TimePartition{ID: "empty"}

	coord := NewCoordinator(nil)
	cfgDriver := testDriverConfig()

	results, errs := coord.RunAll(context.Background(), []TimePartition{good, empty}, v, background, cfgDriver, 0.1)

	if _, ok := results["good"]; !ok {
		t.Errorf("expected 'good' partition to succeed, results=%v errs=%v", results, errs)
	}
	if _, ok := errs["empty"]; !ok {
		t.Errorf("expected 'empty' partition to fail with an error")
	}
}
