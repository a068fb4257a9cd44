// Package proto defines the shared message types for the pipeline's
// internal RPC surface. Hand-written, not generated: JSON struct tags for
// the newline-delimited-JSON-over-TCP wire format in pkg/rpc.
package proto

// ---------- Common ----------

// HealthCheckResponse mirrors the gRPC health check spec.
type HealthCheckResponse struct {
	Status string `json:"status"` // SERVING, NOT_SERVING, UNKNOWN
}

// ThemeSummary is one surviving theme's top words and average weight,
// trimmed for the wire (full word-probability maps stay server-side).
type ThemeSummary struct {
	TopWords  []WordWeight `json:"topWords"`
	AveragePi float64      `json:"averagePi"`
}

// WordWeight pairs a vocabulary token with its probability under a theme.
type WordWeight struct {
	Word   string  `json:"word"`
	Weight float64 `json:"weight"`
}

// ---------- Theme.FitPartition ----------

// PartitionDocument is one document's resolved word counts, keyed by token
// rather than word-id since the wire protocol doesn't assume the caller
// shares the server's vocabulary numbering.
type PartitionDocument struct {
	Title      string         `json:"title"`
	WordCounts map[string]int `json:"wordCounts"`
}

// FitPartitionRequest requests a full EM+HMM fit for one time partition.
type FitPartitionRequest struct {
	PartitionID string              `json:"partitionId"`
	Documents   []PartitionDocument `json:"documents"`
}

// FitPartitionResponse reports the surviving themes and training outcome.
type FitPartitionResponse struct {
	PartitionID     string         `json:"partitionId"`
	Themes          []ThemeSummary `json:"themes"`
	EMLogLikelihood float64        `json:"emLogLikelihood"`
	BWIterations    int            `json:"bwIterations"`
	BWConverged     bool           `json:"bwConverged"`
}

// ---------- Theme.Decode ----------

// DecodeRequest requests a Viterbi decode for a partition already fit.
type DecodeRequest struct {
	PartitionID string `json:"partitionId"`
}

// DecodeResponse is the decoded state path.
type DecodeResponse struct {
	PartitionID string  `json:"partitionId"`
	States      []int   `json:"states"`
	LogProb     float64 `json:"logProb"`
}

// ---------- Theme.Stats ----------

// StatsRequest requests aggregate fit diagnostics.
type StatsRequest struct{}

// StatsResponse contains pipeline-wide fit diagnostics.
type StatsResponse struct {
	TotalPartitionsFitted int64   `json:"totalPartitionsFitted"`
	TotalPartitionsFailed int64   `json:"totalPartitionsFailed"`
	TotalEMRestarts       int64   `json:"totalEmRestarts"`
	ConvergedFraction     float64 `json:"convergedFraction"`
	AvgLogLikelihood      float64 `json:"avgLogLikelihood"`
	P50BWIterations       int64   `json:"p50BwIterations"`
	P95BWIterations       int64   `json:"p95BwIterations"`
	FitsPerMinute         float64 `json:"fitsPerMinute"`
}
