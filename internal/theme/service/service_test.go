package service

import (
	"context"
	"testing"
	"time"

	"github.com/arjunv/themeflow/internal/theme/diagnostics"
	"github.com/arjunv/themeflow/internal/theme/driver"
	"github.com/arjunv/themeflow/internal/theme/em"
	"github.com/arjunv/themeflow/internal/theme/hmm"
	"github.com/arjunv/themeflow/internal/theme/partition"
	"github.com/arjunv/themeflow/internal/theme/vocab"
	"github.com/arjunv/themeflow/pkg/proto"
)

func testService() *Service {
	b := vocab.NewBuilder()
	b.AddTerm("alpha")
	b.AddTerm("beta")
	b.AddTerm("gamma")
	v := b.Build()

	background := em.BackgroundModel{Prob: []float64{0.34, 0.33, 0.33}}

	emCfg := em.DefaultConfig()
	emCfg.K = 2
	emCfg.MaxIterations = 10
	cfg := driver.Config{EM: emCfg, HMM: hmm.DefaultConfig(), Restarts: 1}

	return New(v, background, cfg, 0.1, nil, nil, nil, diagnostics.NewAggregator(), nil, nil, nil, 10*time.Second)
}

func testPartition(id string) partition.TimePartition {
	return partition.TimePartition{
		ID: id,
		Documents: []partition.Document{
			{Title: "d1", WordCounts: map[string]int{"alpha": 8, "beta": 8}},
			{Title: "d2", WordCounts: map[string]int{"gamma": 8, "beta": 8}},
		},
	}
}

func TestRunFitRecordsDiagnosticsAndLatestResult(t *testing.T) {
	s := testService()
	res, err := s.runFit(context.Background(), testPartition("p0"))
	if err != nil {
		t.Fatalf("runFit failed: %v", err)
	}
	if res.Model == nil {
		t.Fatal("expected a fitted model")
	}

	stats := s.diag.Stats()
	if stats.TotalPartitionsFitted != 1 {
		t.Errorf("expected 1 fitted partition, got %d", stats.TotalPartitionsFitted)
	}

	stored, ok := s.latestResult("p0")
	if !ok || stored != res {
		t.Errorf("expected runFit to record its own result as the latest for p0")
	}
}

func TestDecodeReturnsPreviouslyFittedResult(t *testing.T) {
	s := testService()
	if _, err := s.runFit(context.Background(), testPartition("p0")); err != nil {
		t.Fatalf("runFit failed: %v", err)
	}

	resp, err := s.Decode(context.Background(), &proto.DecodeRequest{PartitionID: "p0"})
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(resp.States) == 0 {
		t.Error("expected a non-empty decoded state path")
	}
}

func TestDecodeRejectsUnknownPartition(t *testing.T) {
	s := testService()
	if _, err := s.Decode(context.Background(), &proto.DecodeRequest{PartitionID: "missing"}); err == nil {
		t.Error("expected an error for a partition that was never fit")
	}
}

func TestTopWordsOrdersByWeightDescending(t *testing.T) {
	s := testService()
	alphaID, _ := s.vocab.IndexOf("alpha")
	betaID, _ := s.vocab.IndexOf("beta")
	gammaID, _ := s.vocab.IndexOf("gamma")

	words := s.topWords(map[int]float64{alphaID: 0.1, betaID: 0.6, gammaID: 0.3}, 2)
	if len(words) != 2 {
		t.Fatalf("expected top 2 words, got %d", len(words))
	}
	if words[0].Word != "beta" || words[1].Word != "gamma" {
		t.Errorf("expected [beta, gamma] in descending order, got %v", words)
	}
}
