// Package em implements the per-partition mixture-model theme fitter: a
// fixed background word distribution plus K latent theme distributions,
// fit by expectation-maximization over a time partition's documents. The
// E/M-step arithmetic follows the scaled, floor-guarded style of the
// kshedden-hmm EM updates (normalizeSum, epsilon floors on degenerate
// denominators), adapted from per-particle HMM emissions to the flat
// per-document mixture model this stage needs.
package em

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	themeerrors "github.com/arjunv/themeflow/pkg/errors"
)

// BackgroundModel is the immutable global word distribution shared across a
// pipeline run.
type BackgroundModel struct {
	Prob []float64 // p_B(w), indexed by word-id, len == vocab size
}

// At returns p_B(w), floored at eps if the stored probability is
// non-positive (handles a zero-count background word).
func (b BackgroundModel) At(wordID int, eps float64) float64 {
	p := b.Prob[wordID]
	if p <= 0 {
		return eps
	}
	return p
}

// Document is a sparse multiset of word counts belonging to one
// time-partition document.
type Document struct {
	ID     string
	Counts map[int]int // word-id -> count, count > 0
}

// Theme is a fitted word distribution representing one latent topic within
// a partition.
type Theme struct {
	WordProb  map[int]float64 // p(w|theta), sums to 1 over the word domain
	AveragePi float64         // average document mixing weight, set by Filter
}

// EmInput is the unit of work the fitter mutates in place across EM
// iterations: a partition's documents plus the themes and per-document
// mixing weights being estimated.
type EmInput struct {
	PartitionID string
	RunID       int
	Background  BackgroundModel
	Documents   []Document
	K           int
	Pi          []map[int]float64 // Pi[docIndex][themeIndex] = mixing weight
	Themes      []Theme
	Iterations  int
	LogLikelihood float64
}

// Config holds the fitter's tunable parameters.
type Config struct {
	K                int
	LambdaBackground float64
	MaxIterations    int
	ConvergenceEps   float64
	Epsilon          float64 // denominator floor
	RNGSeed          uint64
}

// DefaultConfig returns the documented default tunables.
func DefaultConfig() Config {
	return Config{
		K:                10,
		LambdaBackground: 0.92,
		MaxIterations:    30,
		ConvergenceEps:   1e-3,
		Epsilon:          1e-10,
		RNGSeed:          42,
	}
}

// Validate checks the configuration for the documented failure modes.
func (c Config) Validate() error {
	if c.K < 1 {
		return fmt.Errorf("%w: K must be >= 1, got %d", themeerrors.ErrInvalidConfiguration, c.K)
	}
	if c.LambdaBackground <= 0 || c.LambdaBackground >= 1 {
		return fmt.Errorf("%w: lambdaBackground must be in (0,1), got %f", themeerrors.ErrInvalidConfiguration, c.LambdaBackground)
	}
	return nil
}

// Fit runs expectation-maximization on input, mutating and returning it with
// themes populated, mixing weights assigned per document, and the iteration
// count recorded. It never looks at the configuration's restart count; the
// driver is responsible for replicating runs with different seeds and
// selecting the best by log-likelihood.
func Fit(ctx context.Context, input EmInput, cfg Config) (EmInput, error) {
	if err := cfg.Validate(); err != nil {
		return input, err
	}
	if len(input.Documents) == 0 {
		return input, fmt.Errorf("%w: partition %s has no documents", themeerrors.ErrEmptyInput, input.PartitionID)
	}

	input.K = cfg.K
	rng := rand.New(rand.NewSource(int64(cfg.RNGSeed) + int64(input.RunID)))
	initThemes(&input, rng)

	prevLL := math.Inf(-1)
	for iter := 0; iter < cfg.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return input, fmt.Errorf("%w: %v", themeerrors.ErrCancelled, err)
		}

		assignments, ll, err := eStep(input, cfg)
		if err != nil {
			return input, err
		}
		mStep(&input, assignments, cfg)

		input.Iterations = iter + 1
		input.LogLikelihood = ll

		if iter > 0 && math.Abs(ll-prevLL) < cfg.ConvergenceEps {
			break
		}
		prevLL = ll
	}

	return input, nil
}

// docAssignment holds the per-word-occurrence posterior responsibilities
// computed in the E-step, consumed by the M-step for one document.
type docAssignment struct {
	pBackground map[int]float64 // p(z_{d,w}=B)
	pTheme      map[int][]float64 // p(z_{d,w}=j) for j in [0,K)
}

func initThemes(input *EmInput, rng *rand.Rand) {
	domain := wordDomain(input.Documents)
	input.Themes = make([]Theme, input.K)
	for j := 0; j < input.K; j++ {
		wp := make(map[int]float64, len(domain))
		sum := 0.0
		for _, w := range domain {
			v := rng.Float64() + 1e-6
			wp[w] = v
			sum += v
		}
		for w := range wp {
			wp[w] /= sum
		}
		input.Themes[j] = Theme{WordProb: wp}
	}
	input.Pi = make([]map[int]float64, len(input.Documents))
	for d := range input.Documents {
		pi := make(map[int]float64, input.K)
		for j := 0; j < input.K; j++ {
			pi[j] = 1.0 / float64(input.K)
		}
		input.Pi[d] = pi
	}
}

func wordDomain(docs []Document) []int {
	seen := make(map[int]struct{})
	for _, d := range docs {
		for w := range d.Counts {
			seen[w] = struct{}{}
		}
	}
	domain := make([]int, 0, len(seen))
	for w := range seen {
		domain = append(domain, w)
	}
	return domain
}

// eStep computes the E-step responsibilities for every document and returns
// the overall log-likelihood.
func eStep(input EmInput, cfg Config) ([]docAssignment, float64, error) {
	assignments := make([]docAssignment, len(input.Documents))
	totalLL := 0.0

	for d, doc := range input.Documents {
		if len(doc.Counts) == 0 {
			assignments[d] = docAssignment{pBackground: map[int]float64{}, pTheme: map[int][]float64{}}
			continue
		}
		pi := input.Pi[d]
		pBg := make(map[int]float64, len(doc.Counts))
		pTh := make(map[int][]float64, len(doc.Counts))

		docLL := 0.0
		for w, count := range doc.Counts {
			s := 0.0
			themeProbs := make([]float64, input.K)
			for j := 0; j < input.K; j++ {
				p := input.Themes[j].WordProb[w]
				themeProbs[j] = pi[j] * p
				s += themeProbs[j]
			}
			if s <= 0 {
				s = cfg.Epsilon
			}
			pb := input.Background.At(w, cfg.Epsilon)
			numerator := cfg.LambdaBackground * pb
			denom := numerator + (1-cfg.LambdaBackground)*s
			if denom <= 0 {
				denom = cfg.Epsilon
			}
			pBg[w] = numerator / denom

			thetas := make([]float64, input.K)
			for j := 0; j < input.K; j++ {
				thetas[j] = themeProbs[j] / s
			}
			pTh[w] = thetas

			docLL += float64(count) * math.Log(denom)
		}
		totalLL += docLL / float64(len(doc.Counts))

		assignments[d] = docAssignment{pBackground: pBg, pTheme: pTh}
	}

	avgLL := totalLL / float64(len(input.Documents))
	return assignments, avgLL, nil
}

// mStep re-estimates pi and the theme word distributions from the E-step
// responsibilities.
func mStep(input *EmInput, assignments []docAssignment, cfg Config) {
	newThemeCounts := make([]map[int]float64, input.K)
	for j := range newThemeCounts {
		newThemeCounts[j] = make(map[int]float64)
	}

	for d, doc := range input.Documents {
		a := assignments[d]
		piNew := make([]float64, input.K)
		for w, count := range doc.Counts {
			notBg := 1 - a.pBackground[w]
			thetas := a.pTheme[w]
			for j := 0; j < input.K; j++ {
				contribution := float64(count) * notBg * thetas[j]
				piNew[j] += contribution
				newThemeCounts[j][w] += contribution
			}
		}
		sum := 0.0
		for _, v := range piNew {
			sum += v
		}
		if sum <= 0 {
			sum = cfg.Epsilon
		}
		piMap := make(map[int]float64, input.K)
		for j := 0; j < input.K; j++ {
			piMap[j] = piNew[j] / sum
		}
		input.Pi[d] = piMap
	}

	for j := 0; j < input.K; j++ {
		sum := 0.0
		for _, v := range newThemeCounts[j] {
			sum += v
		}
		if sum <= 0 {
			sum = cfg.Epsilon
		}
		wp := make(map[int]float64, len(newThemeCounts[j]))
		for w, v := range newThemeCounts[j] {
			wp[w] = v / sum
		}
		input.Themes[j].WordProb = wp
	}
}

// Filter keeps themes whose average mixing weight over documents exceeds
// (1/K)*tau. It returns a new EmInput
// with Themes replaced by the filtered subset; it does not mutate Pi, since
// filtering is advisory (idempotent, order-irrelevant) and downstream
// consumers re-derive document assignments from the kept themes only.
func Filter(input EmInput, tau float64) EmInput {
	avgPi := make([]float64, input.K)
	for _, pi := range input.Pi {
		for j := 0; j < input.K; j++ {
			avgPi[j] += pi[j]
		}
	}
	n := float64(len(input.Documents))
	for j := range avgPi {
		avgPi[j] /= n
	}

	threshold := tau / float64(input.K)
	kept := make([]Theme, 0, input.K)
	for j, theme := range input.Themes {
		if avgPi[j] > threshold {
			theme.AveragePi = avgPi[j]
			kept = append(kept, theme)
		}
	}
	input.Themes = kept
	return input
}
