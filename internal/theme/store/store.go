// Package store persists per-partition theme fits, HMM parameters, and
// decoded sequences to PostgreSQL as JSONB snapshot rows.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/arjunv/themeflow/pkg/postgres"
)

// Row is one persisted partition fit: the surviving themes, the flattened
// HMM parameters, and the decoded state sequence.
//
// It requires a `partition_fits` table:
//
//	CREATE TABLE partition_fits (
//	    id              BIGSERIAL PRIMARY KEY,
//	    partition_id    TEXT NOT NULL,
//	    config_hash     TEXT NOT NULL,
//	    themes          JSONB NOT NULL,
//	    pi              JSONB NOT NULL,
//	    a               JSONB NOT NULL,
//	    n               INT NOT NULL,
//	    states          JSONB NOT NULL,
//	    log_prob        DOUBLE PRECISION NOT NULL,
//	    em_log_likelihood DOUBLE PRECISION NOT NULL,
//	    fitted_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
type Row struct {
	PartitionID     string
	ConfigHash      string
	Themes          json.RawMessage
	Pi              json.RawMessage
	A               json.RawMessage
	N               int
	States          json.RawMessage
	LogProb         float64
	EMLogLikelihood float64
	FittedAt        time.Time
}

// Store persists partition fit results in PostgreSQL.
type Store struct {
	db     *postgres.Client
	logger *slog.Logger
}

// New creates a new fit-result persistence store.
func New(db *postgres.Client) *Store {
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "theme-store"),
	}
}

// SaveFit persists a partition's fit result.
func (s *Store) SaveFit(ctx context.Context, row Row) error {
	_, err := s.db.DB.ExecContext(ctx,
		`INSERT INTO partition_fits
			(partition_id, config_hash, themes, pi, a, n, states, log_prob, em_log_likelihood, fitted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		row.PartitionID, row.ConfigHash, row.Themes, row.Pi, row.A, row.N, row.States,
		row.LogProb, row.EMLogLikelihood, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving fit for partition %s: %w", row.PartitionID, err)
	}
	s.logger.Info("partition fit saved",
		"partition_id", row.PartitionID,
		"config_hash", row.ConfigHash,
		"n", row.N,
	)
	return nil
}

// LatestFit loads the most recent fit for a partition. Returns nil, nil if
// the partition has never been fit.
func (s *Store) LatestFit(ctx context.Context, partitionID string) (*Row, error) {
	var row Row
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT partition_id, config_hash, themes, pi, a, n, states, log_prob, em_log_likelihood, fitted_at
		 FROM partition_fits WHERE partition_id = $1
		 ORDER BY fitted_at DESC LIMIT 1`,
		partitionID,
	).Scan(&row.PartitionID, &row.ConfigHash, &row.Themes, &row.Pi, &row.A, &row.N,
		&row.States, &row.LogProb, &row.EMLogLikelihood, &row.FittedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest fit for partition %s: %w", partitionID, err)
	}
	return &row, nil
}

// ListFits returns the last N fits for a partition, newest first.
func (s *Store) ListFits(ctx context.Context, partitionID string, limit int) ([]Row, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT partition_id, config_hash, themes, pi, a, n, states, log_prob, em_log_likelihood, fitted_at
		 FROM partition_fits WHERE partition_id = $1
		 ORDER BY fitted_at DESC LIMIT $2`,
		partitionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing fits for partition %s: %w", partitionID, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var row Row
		if err := rows.Scan(&row.PartitionID, &row.ConfigHash, &row.Themes, &row.Pi, &row.A,
			&row.N, &row.States, &row.LogProb, &row.EMLogLikelihood, &row.FittedAt); err != nil {
			return nil, fmt.Errorf("scanning fit row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
