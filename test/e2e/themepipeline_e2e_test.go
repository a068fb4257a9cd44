// Package e2e contains end-to-end tests that exercise a running theme
// pipeline process: health endpoints, the metrics endpoint, and the
// Theme.FitPartition/Decode/Stats RPC surface, with real PostgreSQL,
// Redis, and Kafka.
//
// Prerequisites:
//   - cmd/themepipeline running with its dependencies up
//
// Run with:
//
//	go test -v -tags=e2e -timeout=120s ./test/e2e/...
package e2e

import (
	"context"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/arjunv/themeflow/pkg/proto"
	"github.com/arjunv/themeflow/pkg/rpc"
)

type e2eConfig struct {
	HealthURL  string
	MetricsURL string
	RPCAddr    string
}

func loadE2EConfig() e2eConfig {
	return e2eConfig{
		HealthURL:  envOrDefault("E2E_HEALTH_URL", "http://localhost:8080"),
		MetricsURL: envOrDefault("E2E_METRICS_URL", "http://localhost:9090"),
		RPCAddr:    envOrDefault("E2E_RPC_ADDR", "localhost:8081"),
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// TestPipelineHealth verifies the running pipeline's liveness and readiness
// endpoints both respond 200.
func TestPipelineHealth(t *testing.T) {
	cfg := loadE2EConfig()
	client := &http.Client{Timeout: 5 * time.Second}

	endpoints := []string{"/health/live", "/health/ready"}
	for _, path := range endpoints {
		t.Run(path, func(t *testing.T) {
			resp, err := client.Get(cfg.HealthURL + path)
			if err != nil {
				t.Skipf("theme pipeline unavailable: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(resp.Body)
				t.Errorf("expected 200, got %d: %s", resp.StatusCode, body)
			}
		})
	}
}

// TestPipelineMetricsEndpoint verifies the Prometheus /metrics endpoint is
// exposed and carries the pipeline's own metric names.
func TestPipelineMetricsEndpoint(t *testing.T) {
	cfg := loadE2EConfig()
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(cfg.MetricsURL + "/metrics")
	if err != nil {
		t.Skipf("metrics endpoint unavailable: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading metrics response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "rpc_requests_total") {
		t.Error("expected rpc_requests_total in /metrics output")
	}
}

// TestFitPartitionEndToEnd submits a partition over RPC to a running
// pipeline and verifies a subsequent decode and stats call reflect it.
func TestFitPartitionEndToEnd(t *testing.T) {
	cfg := loadE2EConfig()

	client, err := rpc.Dial(cfg.RPCAddr)
	if err != nil {
		t.Skipf("theme pipeline rpc server unavailable: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	partitionID := "e2e-" + strconv.FormatInt(time.Now().Unix(), 10)
	req := &proto.FitPartitionRequest{
		PartitionID: partitionID,
		Documents: []proto.PartitionDocument{
			{Title: "d1", WordCounts: map[string]int{"alpha": 20, "beta": 20}},
			{Title: "d2", WordCounts: map[string]int{"gamma": 20, "delta": 20}},
		},
	}

	var resp proto.FitPartitionResponse
	if err := client.Call(ctx, "Theme.FitPartition", req, &resp); err != nil {
		t.Fatalf("Theme.FitPartition failed: %v", err)
	}
	if len(resp.Themes) == 0 {
		t.Error("expected at least one surviving theme")
	}

	var decodeResp proto.DecodeResponse
	if err := client.Call(ctx, "Theme.Decode", &proto.DecodeRequest{PartitionID: partitionID}, &decodeResp); err != nil {
		t.Fatalf("Theme.Decode failed: %v", err)
	}
	if len(decodeResp.States) == 0 {
		t.Error("expected a non-empty decoded state path")
	}
}
