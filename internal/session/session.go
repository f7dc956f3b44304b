// Package session owns the conversational state around sandbox runs: the
// transcript, accumulated facts, and the in-flight-request token that lets
// a new request supersede or cancel a prior one.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/readlens/readlens/internal/observability"
	"github.com/readlens/readlens/internal/sandbox"
)

// DefaultMaxHistory caps transcript entries kept in memory.
const DefaultMaxHistory = 100

// Runner executes one sandbox invocation. *sandbox.Bridge satisfies it.
type Runner interface {
	Run(ctx context.Context, source string, binds map[string]any) (*sandbox.Result, error)
}

// TranscriptStore persists the conversation between launches. Optional.
type TranscriptStore interface {
	AppendMessage(ctx context.Context, sessionID, role, content string) error
	DeleteSession(ctx context.Context, sessionID string) error
}

// Message is one transcript entry.
type Message struct {
	Role    string
	Content string
	At      time.Time
}

// Outcome reports how a Send ended. Exactly one of Result, Cancelled, or
// Superseded is meaningful.
type Outcome struct {
	Result     *sandbox.Result
	Cancelled  bool
	Superseded bool
}

// Completed reports whether the request ran to the end and Result is safe
// to use.
func (o *Outcome) Completed() bool {
	return !o.Cancelled && !o.Superseded && o.Result != nil
}

// Config wires a Session.
type Config struct {
	Runner     Runner
	Store      TranscriptStore // optional
	Logger     *slog.Logger
	Metrics    *observability.MetricsCollector // optional
	MaxHistory int                             // 0 = DefaultMaxHistory
}

// Session serializes sandbox requests for one conversation. At most one
// invocation is in flight; a newer Send cancels the previous one's
// cooperative signal.
type Session struct {
	id      uuid.UUID
	runner  Runner
	store   TranscriptStore
	logger  *slog.Logger
	metrics *observability.MetricsCollector

	mu          sync.Mutex
	history     []Message
	facts       []string
	reqID       uint64
	cancelledID uint64
	cancel      context.CancelFunc
	maxHistory  int
}

// New creates a Session.
func New(cfg Config) (*Session, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("session: runner is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxHistory == 0 {
		cfg.MaxHistory = DefaultMaxHistory
	}
	s := &Session{
		id:         uuid.New(),
		runner:     cfg.Runner,
		store:      cfg.Store,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		maxHistory: cfg.MaxHistory,
	}
	if s.metrics != nil {
		s.metrics.ActiveSessions.Inc()
	}
	return s, nil
}

// ID returns the session identity used for persistence.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Send runs source in the sandbox on behalf of prompt. It increments the
// request id, cancels any in-flight request, and reports how this request
// ended. When a cancel races a completion, the explicit cancellation is
// checked first so the caller sees the outcome it asked for; only then is
// a newer request allowed to claim supersession.
func (s *Session) Send(ctx context.Context, prompt, source string) (*Outcome, error) {
	s.mu.Lock()
	s.reqID++
	myID := s.reqID
	if s.cancel != nil {
		s.cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	facts := make([]any, len(s.facts))
	for i, f := range s.facts {
		facts[i] = f
	}
	s.appendLocked(Message{Role: "user", Content: prompt, At: time.Now()})
	s.mu.Unlock()

	s.persist(ctx, "user", prompt)

	binds := map[string]any{
		"question": prompt,
		"facts":    facts,
	}
	res, runErr := s.runner.Run(runCtx, source, binds)

	s.mu.Lock()
	if s.cancelledID >= myID {
		s.mu.Unlock()
		s.logger.InfoContext(ctx, "request cancelled", slog.Uint64("request", myID))
		return &Outcome{Cancelled: true}, nil
	}
	if s.reqID != myID {
		s.mu.Unlock()
		s.logger.InfoContext(ctx, "request superseded", slog.Uint64("request", myID))
		return &Outcome{Superseded: true}, nil
	}
	if runCtx.Err() != nil {
		// The caller's own context ended the run.
		s.mu.Unlock()
		s.logger.InfoContext(ctx, "request cancelled", slog.Uint64("request", myID))
		return &Outcome{Cancelled: true}, nil
	}
	s.cancel()
	s.cancel = nil
	if runErr != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("sandbox run: %w", runErr)
	}
	content := assistantContent(res)
	s.appendLocked(Message{Role: "assistant", Content: content, At: time.Now()})
	s.mu.Unlock()

	s.persist(ctx, "assistant", content)
	return &Outcome{Result: res}, nil
}

// Cancel aborts any in-flight request without starting a replacement. If
// the request has already completed but not yet reported, the cancellation
// still wins.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Record which request the cancel hit rather than minting a new id:
	// bumping reqID here would make an explicit stop look identical to
	// displacement by a newer Send when the run reports its outcome.
	s.cancelledID = s.reqID
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Reset discards history and facts in addition to cancelling. The runner
// configuration survives.
func (s *Session) Reset(ctx context.Context) {
	s.Cancel()
	s.mu.Lock()
	s.history = nil
	s.facts = nil
	s.mu.Unlock()
	if s.store != nil {
		if err := s.store.DeleteSession(ctx, s.id.String()); err != nil {
			s.logger.WarnContext(ctx, "deleting stored transcript", slog.String("error", err.Error()))
		}
	}
}

// Close releases the session's metrics slot.
func (s *Session) Close() {
	s.Cancel()
	if s.metrics != nil {
		s.metrics.ActiveSessions.Dec()
	}
}

// AddFact records an orchestrator-supplied observation injected into later
// runs as the facts binding.
func (s *Session) AddFact(fact string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.facts = append(s.facts, fact)
}

// Facts returns a copy of the accumulated facts.
func (s *Session) Facts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.facts))
	copy(out, s.facts)
	return out
}

// History returns a copy of the in-memory transcript.
func (s *Session) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Session) appendLocked(m Message) {
	s.history = append(s.history, m)
	if len(s.history) > s.maxHistory {
		s.history = s.history[len(s.history)-s.maxHistory:]
	}
}

func (s *Session) persist(ctx context.Context, role, content string) {
	if s.store == nil {
		return
	}
	if err := s.store.AppendMessage(ctx, s.id.String(), role, content); err != nil {
		s.logger.WarnContext(ctx, "persisting transcript entry", slog.String("error", err.Error()))
	}
}

func assistantContent(res *sandbox.Result) string {
	if res.Err != nil {
		return res.Err.Error()
	}
	content := res.Prints
	if res.HasValue {
		if b, err := json.Marshal(res.Value); err == nil {
			content += string(b)
		}
	}
	return content
}
