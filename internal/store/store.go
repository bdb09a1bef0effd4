package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/andresmejia3/emoscan/internal/types"
	"github.com/andresmejia3/emoscan/internal/utils"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// Store manages the PostgreSQL connection that keeps the run history.
// A single connection is shared, so calls are serialized.
type Store struct {
	mu   sync.Mutex
	conn *pgx.Conn
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the necessary tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			source_fingerprint TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL,
			stop_reason TEXT NOT NULL DEFAULT '',
			frames_read INT NOT NULL DEFAULT 0,
			frames_sampled INT NOT NULL DEFAULT 0,
			reconnects INT NOT NULL DEFAULT 0,
			most_frequent_emotion TEXT NOT NULL DEFAULT '',
			emotion_counts JSONB NOT NULL DEFAULT '{}',
			document JSONB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS detections (
			id BIGSERIAL PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			frame_index INT NOT NULL,
			captured_at TIMESTAMPTZ NOT NULL,
			face_id INT NOT NULL,
			x INT NOT NULL,
			y INT NOT NULL,
			width INT NOT NULL,
			height INT NOT NULL,
			emotion TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			scores JSONB NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS detections_run_id_idx ON detections (run_id);
		CREATE INDEX IF NOT EXISTS runs_fingerprint_idx ON runs (source_fingerprint);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// RunSummary is one row of the run history.
type RunSummary struct {
	ID                  string         `json:"id"`
	Source              string         `json:"source"`
	StartedAt           time.Time      `json:"started_at"`
	FinishedAt          time.Time      `json:"finished_at"`
	StopReason          string         `json:"stop_reason"`
	FramesRead          int            `json:"frames_read"`
	FramesWithFaces     int            `json:"frames_with_faces"`
	Faces               int            `json:"faces"`
	MostFrequentEmotion string         `json:"most_frequent_emotion"`
	EmotionCounts       map[string]int `json:"emotion_counts"`
}

// Persist implements pipeline.ResultSink.
func (s *Store) Persist(ctx context.Context, run *types.RunResult) error {
	return s.SaveRun(ctx, run)
}

// SaveRun stores the run and every face it recorded. Saving the same run
// again replaces its detections.
func (s *Store) SaveRun(ctx context.Context, run *types.RunResult) error {
	doc, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run document: %w", err)
	}
	counts, err := json.Marshal(run.EmotionCounts)
	if err != nil {
		return fmt.Errorf("encode emotion counts: %w", err)
	}

	rows := make([][]any, 0)
	for _, fr := range run.Frames {
		for _, f := range fr.Faces {
			scores, err := json.Marshal(f.Scores)
			if err != nil {
				return fmt.Errorf("encode scores: %w", err)
			}
			rows = append(rows, []any{
				run.ID, fr.FrameIndex, fr.Timestamp, f.ID,
				f.BBox.X, f.BBox.Y, f.BBox.Width, f.BBox.Height,
				f.Emotion, f.Confidence, string(scores),
			})
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO runs (id, source, source_fingerprint, started_at, finished_at, stop_reason,
			frames_read, frames_sampled, reconnects, most_frequent_emotion, emotion_counts, document)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, $12::jsonb)
		ON CONFLICT (id) DO UPDATE SET
			finished_at = EXCLUDED.finished_at,
			stop_reason = EXCLUDED.stop_reason,
			frames_read = EXCLUDED.frames_read,
			frames_sampled = EXCLUDED.frames_sampled,
			reconnects = EXCLUDED.reconnects,
			most_frequent_emotion = EXCLUDED.most_frequent_emotion,
			emotion_counts = EXCLUDED.emotion_counts,
			document = EXCLUDED.document
	`, run.ID, run.Source, utils.SourceFingerprint(run.Source), run.Timestamp, run.FinishedAt, run.StopReason,
		run.FramesRead, run.FramesSampled, run.ReconnectCount, run.MostFrequentEmotion, string(counts), string(doc))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	// Clean up old detections so a re-saved run stays idempotent
	if _, err := tx.Exec(ctx, "DELETE FROM detections WHERE run_id = $1", run.ID); err != nil {
		return err
	}

	if len(rows) > 0 {
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"detections"},
			[]string{"run_id", "frame_index", "captured_at", "face_id", "x", "y", "width", "height", "emotion", "confidence", "scores"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("insert detections: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// ListRuns returns the most recent runs first. limit <= 0 returns all of them.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	query := `
		SELECT r.id, r.source, r.started_at, r.finished_at, r.stop_reason, r.frames_read,
			r.most_frequent_emotion, r.emotion_counts,
			COUNT(DISTINCT d.frame_index), COUNT(d.id)
		FROM runs r
		LEFT JOIN detections d ON d.run_id = r.id
		GROUP BY r.id
		ORDER BY r.started_at DESC
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		var counts []byte
		if err := rows.Scan(&r.ID, &r.Source, &r.StartedAt, &r.FinishedAt, &r.StopReason, &r.FramesRead,
			&r.MostFrequentEmotion, &counts, &r.FramesWithFaces, &r.Faces); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(counts, &r.EmotionCounts); err != nil {
			return nil, fmt.Errorf("decode emotion counts of %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRun loads the stored document of a run.
func (s *Store) GetRun(ctx context.Context, id string) (*types.RunResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var doc []byte
	var run types.RunResult
	err := s.conn.QueryRow(ctx, `
		SELECT document, finished_at, stop_reason, frames_read, frames_sampled, reconnects
		FROM runs WHERE id = $1
	`, id).Scan(&doc, &run.FinishedAt, &run.StopReason, &run.FramesRead, &run.FramesSampled, &run.ReconnectCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(doc, &run); err != nil {
		return nil, fmt.Errorf("decode run document: %w", err)
	}
	run.ID = id
	return &run, nil
}

// EmotionTotals counts every stored detection per emotion, across all runs.
func (s *Store) EmotionTotals(ctx context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(ctx, "SELECT emotion, COUNT(*) FROM detections GROUP BY emotion")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totals := make(map[string]int)
	for rows.Next() {
		var emotion string
		var n int
		if err := rows.Scan(&emotion, &n); err != nil {
			return nil, err
		}
		totals[emotion] = n
	}
	return totals, rows.Err()
}

// DeleteRun removes a run and its detections.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tag, err := s.conn.Exec(ctx, "DELETE FROM runs WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS detections CASCADE;
		DROP TABLE IF EXISTS runs CASCADE;
	`)
	return err
}
