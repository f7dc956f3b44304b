package storage

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(filepath.Join(t.TempDir(), "transcripts.db"), logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendAndHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	msgs := []struct{ role, content string }{
		{"user", "what is the read length distribution?"},
		{"assistant", "median read length is 14.2kb"},
		{"user", "and the modal quality?"},
	}
	for _, m := range msgs {
		if err := s.AppendMessage(ctx, "sess-1", m.role, m.content); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	got, err := s.History(ctx, "sess-1", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	// Chronological order, oldest first.
	for i, m := range msgs {
		if got[i].Role != m.role || got[i].Content != m.content {
			t.Errorf("message %d = %s/%q, want %s/%q", i, got[i].Role, got[i].Content, m.role, m.content)
		}
	}
}

func TestHistoryLimitKeepsMostRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for _, c := range []string{"one", "two", "three", "four"} {
		if err := s.AppendMessage(ctx, "sess-1", "user", c); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	got, err := s.History(ctx, "sess-1", 2)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 2 || got[0].Content != "three" || got[1].Content != "four" {
		t.Errorf("History = %+v, want [three four]", got)
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.AppendMessage(ctx, "a", "user", "for a"); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendMessage(ctx, "b", "user", "for b"); err != nil {
		t.Fatal(err)
	}

	got, err := s.History(ctx, "a", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 1 || got[0].Content != "for a" {
		t.Errorf("History(a) = %+v", got)
	}
}

func TestDeleteSession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.AppendMessage(ctx, "gone", "user", "x"); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendMessage(ctx, "kept", "user", "y"); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteSession(ctx, "gone"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	got, err := s.History(ctx, "gone", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("History after delete = %+v, want empty", got)
	}
	kept, err := s.History(ctx, "kept", 0)
	if err != nil || len(kept) != 1 {
		t.Errorf("other session affected: %+v, %v", kept, err)
	}
}

func TestEnsureSessionIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.EnsureSession(ctx, "sess"); err != nil {
		t.Fatal(err)
	}
	if err := s.EnsureSession(ctx, "sess"); err != nil {
		t.Errorf("second EnsureSession: %v", err)
	}
}
