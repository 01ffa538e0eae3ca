// ABOUTME: Chat service: runs a turn through the workflow engine and turns its events into reply fragments
// ABOUTME: Broadcasts every event to session observers and appends the finished turn to history

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/agent-gateway/internal/store"
	"github.com/2389/agent-gateway/internal/workflow"
)

const historyTimeout = 5 * time.Second

// DegradedWarning is sent once per run when a checkpoint could not be saved.
const DegradedWarning = "conversation state could not be saved; context may be lost on the next turn"

// ErrInvalidRequest is returned when the message is empty or, for
// streaming chats, the session id is missing.
var ErrInvalidRequest = errors.New("session_id and message are required")

// Engine is what the service needs from the workflow engine.
type Engine interface {
	Run(ctx context.Context, in workflow.Input, emit func(workflow.Event)) (*workflow.Result, error)
	Stream(ctx context.Context, in workflow.Input) <-chan workflow.Event
	State(ctx context.Context, sessionID string) (workflow.State, error)
}

// Chunk is one piece of a streamed reply. Exactly one field is set.
type Chunk struct {
	Content string
	Warning string
	Err     error
}

// SyncResult is the outcome of a non-streaming chat.
type SyncResult struct {
	SessionID string         `json:"session_id"`
	Response  string         `json:"response"`
	State     workflow.State `json:"state"`
	Degraded  bool           `json:"degraded,omitempty"`
}

// Service is the conversation layer between the HTTP handlers and the engine.
type Service struct {
	engine      Engine
	history     store.Store
	broadcaster *EventBroadcaster
	logger      *slog.Logger
}

// New creates a new conversation service. broadcaster may be nil.
func New(engine Engine, history store.Store, broadcaster *EventBroadcaster, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		engine:      engine,
		history:     history,
		broadcaster: broadcaster,
		logger:      logger.With("component", "conversation"),
	}
}

// Chat runs one turn and streams its reply. The channel closes after the
// last chunk; an error chunk is always last. Cancelling ctx aborts the run.
func (s *Service) Chat(ctx context.Context, sessionID, message string) (<-chan Chunk, error) {
	if sessionID == "" || strings.TrimSpace(message) == "" {
		return nil, ErrInvalidRequest
	}

	events := s.engine.Stream(ctx, workflow.Input{SessionID: sessionID, Message: message})
	out := make(chan Chunk, 16)

	go func() {
		defer close(out)

		send := func(c Chunk) {
			select {
			case out <- c:
			case <-ctx.Done():
			}
		}

		var reply string
		var warned bool
		// the engine's terminal event is a blocking send, so read to the end
		for ev := range events {
			s.publish(ev)
			switch ev.Type {
			case workflow.EventNodeCompleted:
				if ev.Node == workflow.NodeGenerate && ev.State != nil {
					reply = ev.State.LastAssistantMessage()
					send(Chunk{Content: reply})
				}
			case workflow.EventCheckpointFailed:
				if !warned {
					warned = true
					send(Chunk{Warning: DegradedWarning})
				}
			case workflow.EventRunFailed:
				var err error = errors.New(ev.Error)
				if ev.Failure != nil {
					err = ev.Failure
				}
				send(Chunk{Err: err})
			case workflow.EventRunCompleted:
				s.appendHistory(sessionID, message, reply)
			}
		}
	}()
	return out, nil
}

// ChatSync runs one turn and returns the full reply. An empty session id
// starts a new session.
func (s *Service) ChatSync(ctx context.Context, sessionID, message string) (*SyncResult, error) {
	if strings.TrimSpace(message) == "" {
		return nil, ErrInvalidRequest
	}
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	res, err := s.engine.Run(ctx, workflow.Input{SessionID: sessionID, Message: message}, func(ev workflow.Event) {
		s.publish(ev)
	})
	if err != nil {
		return nil, err
	}
	s.appendHistory(sessionID, message, res.Reply)
	return &SyncResult{
		SessionID: sessionID,
		Response:  res.Reply,
		State:     res.State,
		Degraded:  res.Degraded,
	}, nil
}

// History returns stored messages of a session, oldest first.
func (s *Service) History(ctx context.Context, sessionID string, limit int) ([]*store.Message, error) {
	if s.history == nil {
		return nil, store.ErrNotFound
	}
	return s.history.ListMessages(ctx, sessionID, limit)
}

// State returns the checkpointed workflow state of a session.
func (s *Service) State(ctx context.Context, sessionID string) (workflow.State, error) {
	return s.engine.State(ctx, sessionID)
}

// Subscribe streams live workflow events of a session until ctx is done.
func (s *Service) Subscribe(ctx context.Context, sessionID string) (<-chan *workflow.Event, error) {
	if s.broadcaster == nil {
		return nil, fmt.Errorf("event streaming is not enabled")
	}
	ch, _ := s.broadcaster.Subscribe(ctx, sessionID)
	return ch, nil
}

func (s *Service) publish(ev workflow.Event) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.Publish(&ev)
}

// appendHistory saves the turn with its own timeout so a cancelled request
// still records a reply it already produced. Failures are only logged.
func (s *Service) appendHistory(sessionID, userText, reply string) {
	if s.history == nil || reply == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()

	if err := s.history.AppendTurn(ctx, sessionID, userText, reply); err != nil {
		s.logger.Error("failed to save history",
			"error", err,
			"session_id", sessionID)
		return
	}
	s.logger.Debug("history saved", "session_id", sessionID)
}
