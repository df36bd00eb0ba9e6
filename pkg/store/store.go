// Package store persists similarity results and analysis runs in SQLite.
package store

import (
	"bytes"
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"cardiocontract/internal/logging"
	"cardiocontract/internal/models"
	"cardiocontract/pkg/similarity"
)

// schema.sql creates the cache, run and contraction tables.
//
//go:embed schema.sql
var schemaSQL string

// Store wraps the analysis database.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens or creates the database at path.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger = logging.Component(logger, "store")
	logger.Debug().Str("path", path).Msg("initialized analysis database schema")
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutCache stores r under fingerprint, replacing any previous entry.
func (s *Store) PutCache(ctx context.Context, fingerprint string, r *similarity.Result) error {
	var buf bytes.Buffer
	if err := similarity.SaveCache(&buf, r); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO similarity_cache (fingerprint, frames, payload, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			frames = excluded.frames,
			payload = excluded.payload,
			created_at = excluded.created_at`,
		fingerprint, r.Size(), buf.Bytes(), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to store similarity cache: %w", err)
	}
	return nil
}

// GetCache loads the result stored under fingerprint. A missing entry or one
// with a frame count other than expectedN is ErrCacheMiss.
func (s *Store) GetCache(ctx context.Context, fingerprint string, expectedN int) (*similarity.Result, error) {
	var frames int
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT frames, payload FROM similarity_cache WHERE fingerprint = ?`, fingerprint).
		Scan(&frames, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no entry for %s", models.ErrCacheMiss, fingerprint)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query similarity cache: %w", err)
	}
	if frames != expectedN {
		return nil, fmt.Errorf("%w: entry holds %d frames, expected %d", models.ErrCacheMiss, frames, expectedN)
	}
	return similarity.LoadCache(bytes.NewReader(payload), expectedN)
}

// Contraction is one located contraction of a run.
type Contraction struct {
	Index      int     `json:"index"`
	Start      int     `json:"start"`
	Peak       int     `json:"peak"`
	End        int     `json:"end"`
	VisualRank float64 `json:"visual_rank"`
	PeakForce  float64 `json:"peak_force"`
}

// Run is a persisted analysis.
type Run struct {
	RunID        string          `json:"run_id"`
	Fingerprint  string          `json:"fingerprint"`
	Source       string          `json:"source"`
	Frames       int             `json:"frames"`
	ParamsJSON   json.RawMessage `json:"params_json,omitempty"`
	CreatedAt    int64           `json:"created_at"`
	Contractions []Contraction   `json:"contractions"`
}

// RecordRun stores run and its contractions in one transaction. If RunID is
// empty, a UUID is generated. The stored ID is returned.
func (s *Store) RecordRun(ctx context.Context, run *Run) (string, error) {
	if run.RunID == "" {
		run.RunID = uuid.New().String()
	}
	if run.CreatedAt == 0 {
		run.CreatedAt = time.Now().UnixNano()
	}
	var params interface{}
	if len(run.ParamsJSON) > 0 {
		params = string(run.ParamsJSON)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin run transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO analysis_runs (run_id, fingerprint, source, frames, params_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.RunID, run.Fingerprint, run.Source, run.Frames, params, run.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("failed to insert analysis run: %w", err)
	}
	for _, c := range run.Contractions {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO contractions (run_id, idx, start_frame, peak_frame, end_frame, visual_rank, peak_force)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			run.RunID, c.Index, c.Start, c.Peak, c.End, c.VisualRank, c.PeakForce)
		if err != nil {
			return "", fmt.Errorf("failed to insert contraction %d: %w", c.Index, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit run: %w", err)
	}

	s.logger.Info().
		Str("run", run.RunID).
		Int("contractions", len(run.Contractions)).
		Msg("analysis run recorded")
	return run.RunID, nil
}

// Runs lists all runs, newest first, with their contractions.
func (s *Store) Runs(ctx context.Context) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, fingerprint, source, frames, params_json, created_at
		FROM analysis_runs
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, r := range runs {
		if r.Contractions, err = s.contractions(ctx, r.RunID); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

// Run returns a single run by ID.
func (s *Store) Run(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, fingerprint, source, frames, params_json, created_at
		FROM analysis_runs
		WHERE run_id = ?`, runID)
	r, err := scanRun(row)
	if err != nil {
		return nil, err
	}
	if r.Contractions, err = s.contractions(ctx, runID); err != nil {
		return nil, err
	}
	return r, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*Run, error) {
	var r Run
	var params sql.NullString
	if err := row.Scan(&r.RunID, &r.Fingerprint, &r.Source, &r.Frames, &params, &r.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	if params.Valid {
		r.ParamsJSON = json.RawMessage(params.String)
	}
	return &r, nil
}

func (s *Store) contractions(ctx context.Context, runID string) ([]Contraction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT idx, start_frame, peak_frame, end_frame, visual_rank, peak_force
		FROM contractions
		WHERE run_id = ?
		ORDER BY idx`, runID)
	if err != nil {
		return nil, fmt.Errorf("query contractions: %w", err)
	}
	defer rows.Close()

	var out []Contraction
	for rows.Next() {
		var c Contraction
		if err := rows.Scan(&c.Index, &c.Start, &c.Peak, &c.End, &c.VisualRank, &c.PeakForce); err != nil {
			return nil, fmt.Errorf("scan contraction: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
