package session

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/chattalabs/chatta-core/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.SessionStoreConfig{RetentionMode: "ephemeral"}
	st, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := st.AppendCheckpoint(ctx, Checkpoint{SessionID: "s", Stage: StageCompleted}); err != nil {
		t.Fatalf("ephemeral append must be a no-op: %v", err)
	}
}

func TestAppendAndQueryCheckpoints(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.SessionStoreConfig{Path: filepath.Join(tmp, "sessions.db"), RetentionMode: "session"}
	st, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open session store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	sessionID := "session-123"
	if err := st.EnsureSession(context.Background(), sessionID, "speak"); err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	stages := []string{StageRequestReceived, StageProviderSelected, StagePlaybackStarted, StageCompleted}
	for _, stage := range stages {
		cp := Checkpoint{SessionID: sessionID, Provider: "kokoro", Stage: stage}
		if err := st.AppendCheckpoint(context.Background(), cp); err != nil {
			t.Fatalf("append checkpoint %s: %v", stage, err)
		}
	}

	checkpoints, err := st.ListCheckpoints(context.Background(), sessionID, 10)
	if err != nil {
		t.Fatalf("list checkpoints: %v", err)
	}
	if len(checkpoints) != len(stages) {
		t.Fatalf("expected %d checkpoints, got %d", len(stages), len(checkpoints))
	}
	if checkpoints[0].Stage != StageRequestReceived {
		t.Fatalf("unexpected first stage: %s", checkpoints[0].Stage)
	}
	if checkpoints[len(checkpoints)-1].Provider != "kokoro" {
		t.Fatalf("unexpected provider: %s", checkpoints[len(checkpoints)-1].Provider)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.SessionStoreConfig{Path: filepath.Join(tmp, "sessions.db"), RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1}
	st, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open session store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	st.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := st.EnsureSession(context.Background(), "old-session", "speak"); err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	if err := st.AppendCheckpoint(context.Background(), Checkpoint{SessionID: "old-session", Stage: StageFailed}); err != nil {
		t.Fatalf("append checkpoint: %v", err)
	}

	st.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := st.EnsureSession(context.Background(), "new-session", "speak"); err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	if err := st.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	checkpoints, err := st.ListCheckpoints(context.Background(), "old-session", 10)
	if err != nil {
		t.Fatalf("list checkpoints: %v", err)
	}
	if len(checkpoints) != 0 {
		t.Fatalf("expected old session pruned")
	}
}
