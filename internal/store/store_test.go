package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/andresmejia3/emoscan/internal/emotion"
	"github.com/andresmejia3/emoscan/internal/types"
)

func makeRun(id string, started time.Time, labels ...string) *types.RunResult {
	run := &types.RunResult{
		ID:         id,
		Source:     "lobby.mp4",
		Timestamp:  started,
		FinishedAt: started.Add(time.Minute),
		FramesRead: 100,
		StopReason: "end-of-stream",
	}
	for i, l := range labels {
		pred := types.Prediction{Emotion: l, Confidence: 0.8, Scores: map[string]float64{l: 0.8, "neutral": 0.2}}
		if l == emotion.Unknown {
			pred = emotion.UnknownPrediction()
		}
		run.Frames = append(run.Frames, types.FrameResult{
			FrameIndex: i * 5,
			Timestamp:  started.Add(time.Duration(i) * time.Second),
			Faces:      []types.FaceResult{{ID: 0, BBox: types.BBox{X: 1, Y: 2, Width: 3, Height: 4}, Prediction: pred}},
		})
	}
	emotion.Finalize(run, emotion.Vocabulary(emotion.FER2013))
	return run
}

// TestStoreIntegration runs a full integration test against a real Postgres container.
// It requires Docker to be running.
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// Explicitly check for Docker availability and fail hard if missing
	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Fatalf("Docker not available, cannot run integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("emoscan_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	// Get Connection String
	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	// Initialize Store (runs migrations)
	s, err := New(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	defer s.Close(ctx)

	// --- Test Scenarios ---

	t0 := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	older := makeRun("run-old", t0, "sad", "sad", "unknown")
	newer := makeRun("run-new", t0.Add(time.Hour), "happy")

	for _, r := range []*types.RunResult{older, newer} {
		if err := s.SaveRun(ctx, r); err != nil {
			t.Fatalf("SaveRun(%s) failed: %v", r.ID, err)
		}
	}
	// Saving again must not duplicate detections
	if err := s.Persist(ctx, older); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}

	runs, err := s.ListRuns(ctx, 0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("Expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != "run-new" {
		t.Errorf("Expected newest run first, got %s", runs[0].ID)
	}
	if runs[1].Faces != 3 || runs[1].FramesWithFaces != 3 {
		t.Errorf("Expected 3 faces in 3 frames, got %d in %d", runs[1].Faces, runs[1].FramesWithFaces)
	}
	if runs[1].MostFrequentEmotion != "sad" || runs[1].EmotionCounts["unknown"] != 1 {
		t.Errorf("Unexpected summary %+v", runs[1])
	}

	limited, err := s.ListRuns(ctx, 1)
	if err != nil || len(limited) != 1 {
		t.Errorf("ListRuns(1) = %d rows, err %v", len(limited), err)
	}

	got, err := s.GetRun(ctx, "run-old")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if len(got.Frames) != 3 || got.StopReason != "end-of-stream" || got.FramesRead != 100 {
		t.Errorf("GetRun returned %+v", got)
	}
	if _, err := s.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	totals, err := s.EmotionTotals(ctx)
	if err != nil {
		t.Fatalf("EmotionTotals failed: %v", err)
	}
	if totals["sad"] != 2 || totals["happy"] != 1 || totals["unknown"] != 1 {
		t.Errorf("Unexpected totals %v", totals)
	}

	if err := s.DeleteRun(ctx, "run-new"); err != nil {
		t.Fatalf("DeleteRun failed: %v", err)
	}
	if err := s.DeleteRun(ctx, "run-new"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second delete, got %v", err)
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
