package session

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/readlens/readlens/internal/sandbox"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// blockingRunner waits until its context ends or release is closed.
type blockingRunner struct {
	started chan struct{}
	release chan struct{}
	result  *sandbox.Result
	binds   map[string]any
}

func newBlockingRunner(result *sandbox.Result) *blockingRunner {
	return &blockingRunner{
		started: make(chan struct{}, 8),
		release: make(chan struct{}),
		result:  result,
	}
}

func (r *blockingRunner) Run(ctx context.Context, _ string, binds map[string]any) (*sandbox.Result, error) {
	r.binds = binds
	r.started <- struct{}{}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.release:
		return r.result, nil
	}
}

type instantRunner struct {
	result *sandbox.Result
	binds  map[string]any
}

func (r *instantRunner) Run(_ context.Context, _ string, binds map[string]any) (*sandbox.Result, error) {
	r.binds = binds
	return r.result, nil
}

func newTestSession(t *testing.T, runner Runner) *Session {
	t.Helper()
	s, err := New(Config{Runner: runner, Logger: testLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestSendSuccess(t *testing.T) {
	runner := &instantRunner{result: &sandbox.Result{Value: "an answer", HasValue: true}}
	s := newTestSession(t, runner)

	out, err := s.Send(context.Background(), "how deep?", "return depth()")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !out.Completed() {
		t.Fatalf("outcome = %+v, want a completed result", out)
	}
	if out.Result == nil || out.Result.Value != "an answer" {
		t.Errorf("Result = %+v", out.Result)
	}
	hist := s.History()
	if len(hist) != 2 || hist[0].Role != "user" || hist[1].Role != "assistant" {
		t.Errorf("history = %+v, want user then assistant", hist)
	}
}

func TestSendBindsQuestionAndFacts(t *testing.T) {
	runner := &instantRunner{result: &sandbox.Result{}}
	s := newTestSession(t, runner)
	s.AddFact("sample is HG002")
	s.AddFact("basecaller is dorado")

	if _, err := s.Send(context.Background(), "what now?", "return 1"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if runner.binds["question"] != "what now?" {
		t.Errorf("question bind = %v", runner.binds["question"])
	}
	facts, ok := runner.binds["facts"].([]any)
	if !ok || len(facts) != 2 || facts[0] != "sample is HG002" {
		t.Errorf("facts bind = %v", runner.binds["facts"])
	}
}

func TestCancelInFlight(t *testing.T) {
	runner := newBlockingRunner(&sandbox.Result{})
	s := newTestSession(t, runner)

	done := make(chan *Outcome, 1)
	go func() {
		out, err := s.Send(context.Background(), "q", "src")
		if err != nil {
			t.Errorf("Send: %v", err)
		}
		done <- out
	}()
	<-runner.started
	s.Cancel()

	out := <-done
	if !out.Cancelled {
		t.Errorf("outcome = %+v, want Cancelled", out)
	}
	if out.Superseded || out.Result != nil {
		t.Errorf("outcome = %+v", out)
	}
}

func TestCancelWinsOverCompletion(t *testing.T) {
	// A run that finished just as the user hit stop still reports the
	// cancellation, not a stale answer.
	runner := newBlockingRunner(&sandbox.Result{Value: "stale", HasValue: true})
	s := newTestSession(t, runner)

	done := make(chan *Outcome, 1)
	go func() {
		out, _ := s.Send(context.Background(), "q", "src")
		done <- out
	}()
	<-runner.started
	s.Cancel()
	close(runner.release)

	out := <-done
	if !out.Cancelled {
		t.Errorf("outcome = %+v, want Cancelled to win the race", out)
	}
}

func TestNewerRequestSupersedes(t *testing.T) {
	runner := newBlockingRunner(&sandbox.Result{Value: "first", HasValue: true})
	s := newTestSession(t, runner)

	firstDone := make(chan *Outcome, 1)
	go func() {
		out, _ := s.Send(context.Background(), "first q", "src")
		firstDone <- out
	}()
	<-runner.started

	secondDone := make(chan *Outcome, 1)
	go func() {
		out, _ := s.Send(context.Background(), "second q", "src")
		secondDone <- out
	}()
	<-runner.started
	close(runner.release)

	first := <-firstDone
	if !first.Superseded {
		t.Errorf("first outcome = %+v, want Superseded", first)
	}
	second := <-secondDone
	if second.Result == nil || second.Result.Value != "first" {
		t.Errorf("second outcome = %+v, want the runner result", second)
	}
}

func TestReset(t *testing.T) {
	runner := &instantRunner{result: &sandbox.Result{}}
	s := newTestSession(t, runner)
	s.AddFact("f1")
	if _, err := s.Send(context.Background(), "q", "src"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	s.Reset(context.Background())
	if len(s.History()) != 0 || len(s.Facts()) != 0 {
		t.Error("history or facts survived Reset")
	}

	// The session keeps working after a reset.
	out, err := s.Send(context.Background(), "again", "src")
	if err != nil || out.Result == nil {
		t.Errorf("Send after Reset = %+v, %v", out, err)
	}
}

func TestHistoryCapped(t *testing.T) {
	runner := &instantRunner{result: &sandbox.Result{}}
	s, err := New(Config{Runner: runner, Logger: testLogger(), MaxHistory: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	for i := 0; i < 10; i++ {
		if _, err := s.Send(context.Background(), "q", "src"); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if got := len(s.History()); got != 4 {
		t.Errorf("history length = %d, want 4", got)
	}
}

func TestParentContextCancellation(t *testing.T) {
	runner := newBlockingRunner(&sandbox.Result{})
	s := newTestSession(t, runner)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *Outcome, 1)
	go func() {
		out, _ := s.Send(ctx, "q", "src")
		done <- out
	}()
	<-runner.started
	cancel()

	select {
	case out := <-done:
		if !out.Cancelled {
			t.Errorf("outcome = %+v, want Cancelled", out)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Send did not return after parent cancellation")
	}
}

func TestOutcomeCompleted(t *testing.T) {
	tests := []struct {
		name    string
		outcome Outcome
		want    bool
	}{
		{"with result", Outcome{Result: &sandbox.Result{}}, true},
		{"cancelled", Outcome{Cancelled: true}, false},
		{"superseded", Outcome{Superseded: true}, false},
		{"empty", Outcome{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.outcome.Completed(); got != tt.want {
				t.Errorf("Completed() = %v, want %v", got, tt.want)
			}
		})
	}
}
