package em

import (
	"context"
	"math"
	"testing"
)

func uniformBackground(vocab int) BackgroundModel {
	p := make([]float64, vocab)
	for i := range p {
		p[i] = 1.0 / float64(vocab)
	}
	return BackgroundModel{Prob: p}
}

func TestFitRejectsInvalidConfig(t *testing.T) {
	input := EmInput{
		PartitionID: "p0",
		Background:  uniformBackground(4),
		Documents:   []Document{{ID: "d0", Counts: map[int]int{0: 1}}},
	}
	cfg := DefaultConfig()
	cfg.K = 0
	if _, err := Fit(context.Background(), input, cfg); err == nil {
		t.Fatal("expected error for K=0, got nil")
	}
}

func TestFitRejectsEmptyPartition(t *testing.T) {
	input := EmInput{PartitionID: "p0", Background: uniformBackground(4)}
	if _, err := Fit(context.Background(), input, DefaultConfig()); err == nil {
		t.Fatal("expected error for empty partition, got nil")
	}
}

// TestFitTwoDocumentSymmetricRecovery mirrors the canonical two-document
// scenario: two documents that each lean heavily on a disjoint vocabulary
// subset beyond the shared background terms should converge to distinct
// themes, each dominating the mixing weight of its own document.
func TestFitTwoDocumentSymmetricRecovery(t *testing.T) {
	// word ids: 0,1 shared background-ish terms; 2,3 theme A terms; 4,5 theme B terms.
	bg := uniformBackground(6)
	docA := Document{ID: "a", Counts: map[int]int{0: 2, 1: 2, 2: 20, 3: 20}}
	docB := Document{ID: "b", Counts: map[int]int{0: 2, 1: 2, 4: 20, 5: 20}}

	input := EmInput{
		PartitionID: "p0",
		Background:  bg,
		Documents:   []Document{docA, docB},
	}
	cfg := DefaultConfig()
	cfg.K = 2
	cfg.LambdaBackground = 0.3
	cfg.MaxIterations = 60

	out, err := Fit(context.Background(), input, cfg)
	if err != nil {
		t.Fatalf("Fit returned error: %v", err)
	}
	if len(out.Themes) != 2 {
		t.Fatalf("expected 2 themes, got %d", len(out.Themes))
	}

	piA := out.Pi[0]
	piB := out.Pi[1]

	dominantA := 0
	if piA[1] > piA[0] {
		dominantA = 1
	}
	dominantB := 0
	if piB[1] > piB[0] {
		dominantB = 1
	}
	if dominantA == dominantB {
		t.Fatalf("expected documents to favor distinct themes, got %d and %d (piA=%v piB=%v)", dominantA, dominantB, piA, piB)
	}

	themeA := out.Themes[dominantA].WordProb
	if themeA[2]+themeA[3] <= themeA[4]+themeA[5] {
		t.Errorf("theme favored by document A should concentrate on words 2,3: %v", themeA)
	}
}

func TestFilterDropsLowWeightThemes(t *testing.T) {
	input := EmInput{
		K: 3,
		Documents: []Document{
			{ID: "a"}, {ID: "b"},
		},
		Pi: []map[int]float64{
			{0: 0.9, 1: 0.05, 2: 0.05},
			{0: 0.9, 1: 0.05, 2: 0.05},
		},
		Themes: []Theme{
			{WordProb: map[int]float64{0: 1}},
			{WordProb: map[int]float64{1: 1}},
			{WordProb: map[int]float64{2: 1}},
		},
	}

	out := Filter(input, 1.0)
	if len(out.Themes) != 1 {
		t.Fatalf("expected 1 surviving theme, got %d", len(out.Themes))
	}
	if math.Abs(out.Themes[0].AveragePi-0.9) > 1e-9 {
		t.Errorf("expected surviving theme average pi ~0.9, got %f", out.Themes[0].AveragePi)
	}
}

func TestFitIsCancellable(t *testing.T) {
	input := EmInput{
		PartitionID: "p0",
		Background:  uniformBackground(4),
		Documents:   []Document{{ID: "d0", Counts: map[int]int{0: 1, 1: 1}}},
	}
	cfg := DefaultConfig()
	cfg.K = 2
	cfg.MaxIterations = 1000

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := Fit(ctx, input, cfg); err == nil {
		t.Fatal("expected cancellation error, got nil")
	}
}
