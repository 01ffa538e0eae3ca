// ABOUTME: Executes one turn through the node graph with checkpointing and ordered events
// ABOUTME: Same-session runs are serialized; different sessions run concurrently

package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/agent-gateway/internal/llm"
)

const defaultSaveAttempts = 2

// Config wires the engine's collaborators. Tools and Provider are required.
type Config struct {
	Checkpointer Checkpointer
	Retriever    Retriever
	Decider      Decider
	Tools        ToolSource
	Provider     llm.Provider

	// SystemPrompt is passed to the provider on every generate step.
	SystemPrompt string
	// SaveAttempts bounds checkpoint writes per node; zero uses 2.
	SaveAttempts int

	Logger *slog.Logger
}

// Input is one user turn.
type Input struct {
	SessionID string
	Message   string
}

// Result is a completed run.
type Result struct {
	RunID string
	State State
	Reply string
	// Degraded is set when at least one checkpoint could not be saved.
	Degraded bool
}

// Engine runs turns. It is safe for concurrent use.
type Engine struct {
	nodes        map[NodeID]Node
	checkpointer Checkpointer
	saveAttempts int
	logger       *slog.Logger
	locks        *sessionLocks
}

// New validates cfg and builds the node table.
func New(cfg Config) (*Engine, error) {
	if cfg.Tools == nil {
		return nil, errors.New("workflow: tool source is required")
	}
	if cfg.Provider == nil {
		return nil, errors.New("workflow: provider is required")
	}
	if cfg.Checkpointer == nil {
		cfg.Checkpointer = NewMemoryCheckpointer()
	}
	if cfg.Retriever == nil {
		cfg.Retriever = TemplateRetriever{}
	}
	if cfg.Decider == nil {
		cfg.Decider = KeywordDecider{}
	}
	if cfg.SaveAttempts <= 0 {
		cfg.SaveAttempts = defaultSaveAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "workflow")

	return &Engine{
		nodes: map[NodeID]Node{
			NodeRetrieve: retrieveNode(cfg.Retriever),
			NodeThink:    thinkNode(cfg.Decider),
			NodeToolCall: toolCallNode(cfg.Tools, logger),
			NodeGenerate: generateNode(cfg.Provider, cfg.SystemPrompt),
		},
		checkpointer: cfg.Checkpointer,
		saveAttempts: cfg.SaveAttempts,
		logger:       logger,
		locks:        newSessionLocks(),
	}, nil
}

// State returns the checkpointed state of a session.
func (e *Engine) State(ctx context.Context, sessionID string) (State, error) {
	return e.checkpointer.Load(ctx, sessionID)
}

// Run executes one turn. emit, if non-nil, receives every event in order on
// the calling goroutine. A node error aborts the run with *RunFailure.
func (e *Engine) Run(ctx context.Context, in Input, emit func(Event)) (*Result, error) {
	if emit == nil {
		emit = func(Event) {}
	}
	runID := uuid.New().String()
	logger := e.logger.With("session_id", in.SessionID, "run_id", runID)
	event := func(t EventType, node NodeID) Event {
		return Event{Type: t, RunID: runID, SessionID: in.SessionID, Node: node, Time: time.Now()}
	}
	fail := func(node NodeID, err error) (*Result, error) {
		f := &RunFailure{SessionID: in.SessionID, Node: node, Err: err}
		ev := event(EventRunFailed, node)
		ev.Error = err.Error()
		ev.Failure = f
		emit(ev)
		logger.Error("run failed", "node", node, "error", err)
		return nil, f
	}

	if in.SessionID == "" || strings.TrimSpace(in.Message) == "" {
		return fail(NodeStart, ErrInvalidInput)
	}

	unlock, err := e.locks.lock(ctx, in.SessionID)
	if err != nil {
		return fail(NodeStart, fmt.Errorf("waiting for session: %w", err))
	}
	defer unlock()

	state, err := e.checkpointer.Load(ctx, in.SessionID)
	switch {
	case errors.Is(err, ErrNoCheckpoint):
		state = NewState(in.SessionID)
	case err != nil:
		return fail(NodeStart, fmt.Errorf("loading checkpoint: %w", err))
	}
	state = state.beginTurn(in.Message)
	logger.Debug("run started", "turn", state.Turn, "history", len(state.Messages))

	res := &Result{RunID: runID}
	for node := NodeRetrieve; node != NodeEnd; node = next(node, state) {
		if err := ctx.Err(); err != nil {
			return fail(node, err)
		}
		emit(event(EventNodeEntered, node))

		upd, err := e.nodes[node](ctx, state.Clone())
		if err != nil {
			return fail(node, err)
		}
		upd.CurrentStep = ptr(stepFor(node))
		state = state.Apply(upd)

		ev := event(EventNodeCompleted, node)
		ev.Update = &upd
		snapshot := state.Clone()
		ev.State = &snapshot
		emit(ev)

		if node == NodeGenerate {
			res.Reply = state.LastAssistantMessage()
		}
		if err := e.save(ctx, state); err != nil {
			res.Degraded = true
			ev := event(EventCheckpointFailed, node)
			ev.Error = err.Error()
			emit(ev)
			logger.Warn("checkpoint not saved, continuing without it", "node", node, "error", err)
		}
	}

	state.CurrentStep = StepDone
	if err := e.save(ctx, state); err != nil {
		res.Degraded = true
		ev := event(EventCheckpointFailed, NodeEnd)
		ev.Error = err.Error()
		emit(ev)
		logger.Warn("final checkpoint not saved", "error", err)
	}

	res.State = state
	done := event(EventRunCompleted, NodeEnd)
	final := state.Clone()
	done.State = &final
	emit(done)
	logger.Info("run completed", "turn", state.Turn, "degraded", res.Degraded)
	return res, nil
}

// Stream runs the turn in a goroutine and delivers its events. The channel
// is closed after the terminal event. Cancelling ctx aborts the run.
func (e *Engine) Stream(ctx context.Context, in Input) <-chan Event {
	ch := make(chan Event, 16)
	go func() {
		defer close(ch)
		emit := func(ev Event) {
			// the terminal event is always delivered so readers see why the stream ended
			if ev.Terminal() {
				ch <- ev
				return
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
			}
		}
		_, _ = e.Run(ctx, in, emit)
	}()
	return ch
}

func (e *Engine) save(ctx context.Context, s State) error {
	var err error
	for attempt := 1; attempt <= e.saveAttempts; attempt++ {
		if err = e.checkpointer.Save(ctx, s); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		e.logger.Debug("checkpoint save failed", "attempt", attempt, "session_id", s.SessionID, "error", err)
	}
	return err
}

// sessionLocks hands out one lock per session id and forgets idle ones.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	sem  chan struct{}
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sessionLock)}
}

func (l *sessionLocks) lock(ctx context.Context, id string) (func(), error) {
	l.mu.Lock()
	sl, ok := l.locks[id]
	if !ok {
		sl = &sessionLock{sem: make(chan struct{}, 1)}
		l.locks[id] = sl
	}
	sl.refs++
	l.mu.Unlock()

	release := func() {
		l.mu.Lock()
		sl.refs--
		if sl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}

	select {
	case sl.sem <- struct{}{}:
		return func() {
			<-sl.sem
			release()
		}, nil
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}
}
