package service

import "time"

// EventType discriminates the Kafka events the theme pipeline exchanges
// with its upstream and downstream collaborators.
type EventType string

const (
	EventPartitionReady EventType = "partition_ready"
	EventFitComplete    EventType = "fit_complete"
	EventDecodeComplete EventType = "decode_complete"
)

// PartitionReadyEvent announces that a time partition's documents have been
// assembled upstream and are ready to be fit.
type PartitionReadyEvent struct {
	Type        EventType      `json:"type"`
	PartitionID string         `json:"partition_id"`
	IntervalMs  int64          `json:"interval_ms"`
	Documents   []PartitionDoc `json:"documents"`
	Timestamp   time.Time      `json:"timestamp"`
}

// PartitionDoc is one document's token counts as published upstream.
type PartitionDoc struct {
	Title      string         `json:"title"`
	WordCounts map[string]int `json:"word_counts"`
}

// FitCompleteEvent reports that a partition's EM+Baum-Welch fit finished.
type FitCompleteEvent struct {
	Type            EventType `json:"type"`
	PartitionID     string    `json:"partition_id"`
	ThemeCount      int       `json:"theme_count"`
	EMLogLikelihood float64   `json:"em_log_likelihood"`
	BWIterations    int       `json:"bw_iterations"`
	BWConverged     bool      `json:"bw_converged"`
	Timestamp       time.Time `json:"timestamp"`
}

// DecodeCompleteEvent reports that a partition's Viterbi decode finished.
type DecodeCompleteEvent struct {
	Type        EventType `json:"type"`
	PartitionID string    `json:"partition_id"`
	LogProb     float64   `json:"log_prob"`
	Timestamp   time.Time `json:"timestamp"`
}
