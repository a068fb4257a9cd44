// Package service wires the theme fitting pipeline's components —
// driver, cache, store, diagnostics — into the two ways the pipeline is
// driven: RPC requests (Theme.FitPartition, Theme.Decode, Theme.Stats)
// and Kafka PartitionReady events. It is a thin adaptation layer
// between transport and the numerical core, with no fitting logic of
// its own.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/arjunv/themeflow/internal/theme/cache"
	"github.com/arjunv/themeflow/internal/theme/diagnostics"
	"github.com/arjunv/themeflow/internal/theme/driver"
	"github.com/arjunv/themeflow/internal/theme/em"
	"github.com/arjunv/themeflow/internal/theme/executor"
	"github.com/arjunv/themeflow/internal/theme/partition"
	"github.com/arjunv/themeflow/internal/theme/store"
	"github.com/arjunv/themeflow/internal/theme/vocab"
	themeerrors "github.com/arjunv/themeflow/pkg/errors"
	"github.com/arjunv/themeflow/pkg/kafka"
	"github.com/arjunv/themeflow/pkg/metrics"
	"github.com/arjunv/themeflow/pkg/proto"
	"github.com/arjunv/themeflow/pkg/resilience"
	"github.com/arjunv/themeflow/pkg/rpc"
	"github.com/arjunv/themeflow/pkg/tracing"
)

// Service holds everything a fit/decode/stats request needs: the shared
// vocabulary and background model, tunables, and the supporting cache,
// store, and diagnostics components.
type Service struct {
	vocab      vocab.Vocabulary
	background em.BackgroundModel
	cfg        driver.Config
	tau        float64
	exec       executor.Executor
	fitTimeout time.Duration

	cache *cache.FitCache
	store *store.Store
	diag  *diagnostics.Aggregator

	fitProducer    *kafka.Producer
	decodeProducer *kafka.Producer

	metrics *metrics.Metrics

	mu      sync.RWMutex
	results map[string]*driver.Result

	logger *slog.Logger
}

// New creates a Service. fitProducer and decodeProducer may be nil, in
// which case completion events are not published (useful for the CLI
// driver and tests). fitCache may be nil, in which case every
// FitPartition call runs the fit; fitStore may be nil, in which case
// results are not persisted. m may be nil, in which case no Prometheus
// metrics are recorded. fitTimeout bounds each partition fit; zero disables the
// bound.
func New(v vocab.Vocabulary, background em.BackgroundModel, cfg driver.Config, tau float64, exec executor.Executor, fitCache *cache.FitCache, fitStore *store.Store, diag *diagnostics.Aggregator, fitProducer, decodeProducer *kafka.Producer, m *metrics.Metrics, fitTimeout time.Duration) *Service {
	return &Service{
		vocab:          v,
		background:     background,
		cfg:            cfg,
		tau:            tau,
		exec:           exec,
		fitTimeout:     fitTimeout,
		cache:          fitCache,
		store:          fitStore,
		diag:           diag,
		fitProducer:    fitProducer,
		decodeProducer: decodeProducer,
		metrics:        m,
		results:        make(map[string]*driver.Result),
		logger:         slog.Default().With("component", "theme-service"),
	}
}

// RegisterHandlers registers the Theme.* RPC methods on server.
func (s *Service) RegisterHandlers(server *rpc.Server) {
	server.Register("Theme.FitPartition", s.handleFitPartition)
	server.Register("Theme.Decode", s.handleDecode)
	server.Register("Theme.Stats", s.handleStats)
}

func (s *Service) handleFitPartition(ctx context.Context, raw json.RawMessage) (any, error) {
	var req proto.FitPartitionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decoding FitPartitionRequest: %w", err)
	}
	resp, err := s.FitPartition(ctx, &req)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *Service) handleDecode(ctx context.Context, raw json.RawMessage) (any, error) {
	var req proto.DecodeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decoding DecodeRequest: %w", err)
	}
	return s.Decode(ctx, &req)
}

func (s *Service) handleStats(ctx context.Context, _ json.RawMessage) (any, error) {
	return s.Stats(), nil
}

// FitPartition runs (or retrieves from cache) the full EM+HMM pipeline
// for one partition and persists/records the outcome.
func (s *Service) FitPartition(ctx context.Context, req *proto.FitPartitionRequest) (*proto.FitPartitionResponse, error) {
	docs := make([]partition.Document, len(req.Documents))
	for i, d := range req.Documents {
		docs[i] = partition.Document{Title: d.Title, WordCounts: d.WordCounts}
	}
	tp := partition.TimePartition{ID: req.PartitionID, Documents: docs}

	compute := func() (*cache.Entry, error) {
		res, err := s.runFit(ctx, tp)
		if err != nil {
			return nil, err
		}
		return cache.FromResult(res), nil
	}
	var entry *cache.Entry
	var fromCache bool
	var err error
	if s.cache != nil {
		entry, fromCache, err = s.cache.GetOrCompute(ctx, req.PartitionID, cache.ConfigHash(s.cfg), compute)
	} else {
		entry, err = compute()
	}
	if err != nil {
		s.diag.RecordFailure()
		s.recordDegeneracy(err)
		return nil, err
	}

	if s.metrics != nil {
		if fromCache {
			s.metrics.CacheHitsTotal.Inc()
		} else {
			s.metrics.CacheMissesTotal.Inc()
		}
	}

	s.logger.Debug("fit partition served", "partition_id", req.PartitionID, "from_cache", fromCache)

	themes := make([]proto.ThemeSummary, len(entry.Themes))
	for i, th := range entry.Themes {
		themes[i] = proto.ThemeSummary{
			TopWords:  s.topWords(th.WordProb, 10),
			AveragePi: th.AveragePi,
		}
	}

	bwConverged := false
	bwIterations := 0
	if res, ok := s.latestResult(req.PartitionID); ok {
		bwConverged = res.FitResult.Converged
		bwIterations = res.FitResult.Iterations
	}

	return &proto.FitPartitionResponse{
		PartitionID:     req.PartitionID,
		Themes:          themes,
		EMLogLikelihood: entry.EMLogLikelihood,
		BWIterations:    bwIterations,
		BWConverged:     bwConverged,
	}, nil
}

// runFit executes the pipeline under a bounded timeout, saves the result,
// records diagnostics, and publishes a FitComplete/DecodeComplete event
// pair.
func (s *Service) runFit(ctx context.Context, tp partition.TimePartition) (*driver.Result, error) {
	ctx, span := tracing.StartSpan(ctx, "service.runFit", "fit-"+tp.ID)
	defer func() {
		span.End()
		span.Log()
	}()

	docs := tp.ToEMDocuments(s.vocab)
	obs := tp.ObservationSequence(s.vocab)

	var res *driver.Result
	err := resilience.WithTimeout(ctx, s.fitTimeout, "partition-fit", func(ctx context.Context) error {
		var runErr error
		res, runErr = driver.Run(ctx, tp.ID, docs, s.background, obs, s.cfg, s.exec, s.tau)
		return runErr
	})
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return nil, themeerrors.Newf(themeerrors.ErrTimedOut, themeerrors.CodeTimeout, "partition %s: %v", tp.ID, err)
		case errors.Is(err, context.Canceled):
			return nil, themeerrors.Newf(themeerrors.ErrCancelled, themeerrors.CodeTimeout, "partition %s: %v", tp.ID, err)
		default:
			return nil, err
		}
	}

	s.setLatestResult(tp.ID, res)
	s.diag.RecordSuccess(res, s.cfg.Restarts)
	s.recordFitMetrics(res)

	if s.store != nil {
		if err := s.saveResult(ctx, res); err != nil {
			s.logger.Error("failed to persist fit result", "partition_id", tp.ID, "error", err)
		}
	}
	s.publishCompletion(ctx, res)

	return res, nil
}

func (s *Service) saveResult(ctx context.Context, res *driver.Result) error {
	entry := cache.FromResult(res)
	themesJSON, err := json.Marshal(entry.Themes)
	if err != nil {
		return err
	}
	piJSON, err := json.Marshal(entry.Pi)
	if err != nil {
		return err
	}
	aJSON, err := json.Marshal(entry.A)
	if err != nil {
		return err
	}
	statesJSON, err := json.Marshal(entry.States)
	if err != nil {
		return err
	}
	return s.store.SaveFit(ctx, store.Row{
		PartitionID:     res.PartitionID,
		ConfigHash:      cache.ConfigHash(s.cfg),
		Themes:          themesJSON,
		Pi:              piJSON,
		A:               aJSON,
		N:               res.Model.N,
		States:          statesJSON,
		LogProb:         res.Decoded.LogProb,
		EMLogLikelihood: res.EMLogLikelihood,
	})
}

func (s *Service) publishCompletion(ctx context.Context, res *driver.Result) {
	if s.fitProducer != nil {
		fitEvent := FitCompleteEvent{
			Type:            EventFitComplete,
			PartitionID:     res.PartitionID,
			ThemeCount:      len(res.BestEM.Themes),
			EMLogLikelihood: res.EMLogLikelihood,
			BWIterations:    res.FitResult.Iterations,
			BWConverged:     res.FitResult.Converged,
			Timestamp:       time.Now().UTC(),
		}
		if err := s.fitProducer.Publish(ctx, kafka.Event{Key: res.PartitionID, Value: fitEvent}); err != nil {
			s.logger.Error("failed to publish fit-complete event", "partition_id", res.PartitionID, "error", err)
		}
	}

	if s.decodeProducer != nil {
		decodeEvent := DecodeCompleteEvent{
			Type:        EventDecodeComplete,
			PartitionID: res.PartitionID,
			LogProb:     res.Decoded.LogProb,
			Timestamp:   time.Now().UTC(),
		}
		if err := s.decodeProducer.Publish(ctx, kafka.Event{Key: res.PartitionID, Value: decodeEvent}); err != nil {
			s.logger.Error("failed to publish decode-complete event", "partition_id", res.PartitionID, "error", err)
		}
	}
}

// Decode returns the previously decoded state path for a partition that
// has already been fit.
func (s *Service) Decode(ctx context.Context, req *proto.DecodeRequest) (*proto.DecodeResponse, error) {
	res, ok := s.latestResult(req.PartitionID)
	if !ok {
		return nil, fmt.Errorf("%w: partition %s has not been fit", themeerrors.ErrInvalidConfiguration, req.PartitionID)
	}
	return &proto.DecodeResponse{
		PartitionID: req.PartitionID,
		States:      res.Decoded.States,
		LogProb:     res.Decoded.LogProb,
	}, nil
}

// Stats returns the current diagnostics snapshot.
func (s *Service) Stats() *proto.StatsResponse {
	summary := s.diag.Stats()
	return &proto.StatsResponse{
		TotalPartitionsFitted: summary.TotalPartitionsFitted,
		TotalPartitionsFailed: summary.TotalPartitionsFailed,
		TotalEMRestarts:       summary.TotalEMRestarts,
		ConvergedFraction:     summary.ConvergedFraction,
		AvgLogLikelihood:      summary.AvgLogLikelihood,
		P50BWIterations:       summary.P50BWIterations,
		P95BWIterations:       summary.P95BWIterations,
		FitsPerMinute:         summary.FitsPerMinute,
	}
}

// HandlePartitionReady is a kafka.MessageHandler that fits a partition
// announced by an upstream PartitionReadyEvent.
func (s *Service) HandlePartitionReady(ctx context.Context, _ []byte, value []byte) error {
	event, err := kafka.DecodeJSON[PartitionReadyEvent](value)
	if err != nil {
		return fmt.Errorf("decoding partition-ready event: %w", err)
	}

	docs := make([]partition.Document, len(event.Documents))
	for i, d := range event.Documents {
		docs[i] = partition.Document{Title: d.Title, WordCounts: d.WordCounts}
	}
	tp := partition.TimePartition{
		ID:        event.PartitionID,
		Interval:  time.Duration(event.IntervalMs) * time.Millisecond,
		Documents: docs,
	}

	if _, err := s.runFit(ctx, tp); err != nil {
		s.diag.RecordFailure()
		s.recordDegeneracy(err)
		s.logger.Error("partition-ready fit failed", "partition_id", event.PartitionID, "error", err)
		return nil // do not re-deliver: the failure is recorded, not retried
	}
	return nil
}

// recordFitMetrics exports one successful driver.Result's Prometheus
// observations: EM restart/iteration counters, log-likelihood, Baum-Welch
// iteration count and wall-clock duration, Viterbi decode duration, and
// the degeneracy breaker's final state for the partition's Baum-Welch run.
func (s *Service) recordFitMetrics(res *driver.Result) {
	if s.metrics == nil {
		return
	}
	s.metrics.PartitionsFittedTotal.Inc()
	s.metrics.EMRestartsTotal.Add(float64(s.cfg.Restarts))

	converged := "false"
	if res.FitResult.Converged {
		converged = "true"
	}
	s.metrics.EMIterationsTotal.WithLabelValues(res.PartitionID, converged).Add(float64(res.BestEM.Iterations))
	s.metrics.EMLogLikelihood.WithLabelValues(res.PartitionID).Observe(res.EMLogLikelihood)

	mode := "sequential"
	if !s.cfg.HMM.ForceSequentialBaumWelch {
		mode = "block-parallel"
	}
	s.metrics.BaumWelchIterations.WithLabelValues(mode).Observe(float64(res.FitResult.Iterations))
	s.metrics.BaumWelchDuration.WithLabelValues(mode).Observe(res.BaumWelchDuration.Seconds())
	s.metrics.ViterbiDuration.WithLabelValues(mode).Observe(res.ViterbiDuration.Seconds())

	s.metrics.DegeneracyBreakerState.WithLabelValues("numerical-degeneracy").Set(float64(res.FitResult.BreakerState))
}

// recordDegeneracy increments the numerical-degeneracy counter, labeling
// the stage (em vs hmm) by which sentinel the error wraps.
func (s *Service) recordDegeneracy(err error) {
	if s.metrics == nil {
		return
	}
	switch {
	case errors.Is(err, themeerrors.ErrDiverged):
		s.metrics.NumericalDegeneracies.WithLabelValues("hmm").Inc()
	case errors.Is(err, themeerrors.ErrNumericalDegeneracy):
		s.metrics.NumericalDegeneracies.WithLabelValues("em").Inc()
	}
}

func (s *Service) setLatestResult(partitionID string, res *driver.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[partitionID] = res
}

func (s *Service) latestResult(partitionID string) (*driver.Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.results[partitionID]
	return res, ok
}

// topWords returns the n highest-probability words in wordProb, resolved
// to their vocabulary tokens via the service's vocabulary.
func (s *Service) topWords(wordProb map[int]float64, n int) []proto.WordWeight {
	type pair struct {
		id int
		p  float64
	}
	pairs := make([]pair, 0, len(wordProb))
	for id, p := range wordProb {
		pairs = append(pairs, pair{id, p})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].p > pairs[j].p })
	if len(pairs) > n {
		pairs = pairs[:n]
	}
	out := make([]proto.WordWeight, 0, len(pairs))
	for _, pr := range pairs {
		token, ok := s.vocab.Token(pr.id)
		if !ok {
			continue
		}
		out = append(out, proto.WordWeight{Word: token, Weight: pr.p})
	}
	return out
}
