// ABOUTME: Tests for Engine.Run and Engine.Stream
// ABOUTME: Event order, checkpoint contents after failures, degraded saves, per-session serialization

package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/2389/agent-gateway/internal/llm"
)

func TestMain(m *testing.M) {
	// genai pulls in opencensus, whose view worker starts in init
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

type funcProvider func(ctx context.Context, req llm.Request) (string, error)

func (funcProvider) Name() string  { return "func" }
func (funcProvider) Model() string { return "test" }
func (f funcProvider) Complete(ctx context.Context, req llm.Request) (string, error) {
	return f(ctx, req)
}

// flakyCheckpointer fails the saves selected by failOn, counting from 1.
type flakyCheckpointer struct {
	*MemoryCheckpointer
	failOn func(n int) bool
	saves  atomic.Int32
}

func (f *flakyCheckpointer) Save(ctx context.Context, s State) error {
	n := int(f.saves.Add(1))
	if f.failOn(n) {
		return errors.New("disk full")
	}
	return f.MemoryCheckpointer.Save(ctx, s)
}

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	if cfg.Tools == nil {
		cfg.Tools = braveTools()
	}
	if cfg.Provider == nil {
		cfg.Provider = llm.NewTemplateProvider()
	}
	e, err := New(cfg)
	require.NoError(t, err)
	return e
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) trace() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = string(ev.Type) + ":" + string(ev.Node)
	}
	return out
}

func TestNew_RequiresToolsAndProvider(t *testing.T) {
	_, err := New(Config{Provider: llm.NewTemplateProvider()})
	assert.Error(t, err)
	_, err = New(Config{Tools: braveTools()})
	assert.Error(t, err)
}

func TestRun_PlainMessageSkipsTools(t *testing.T) {
	tools := braveTools()
	cp := NewMemoryCheckpointer()
	e := newTestEngine(t, Config{Tools: tools, Checkpointer: cp})
	rec := &recorder{}

	res, err := e.Run(context.Background(), Input{SessionID: "s1", Message: "hello"}, rec.emit)
	require.NoError(t, err)

	assert.Equal(t, "Generated response based on: Retrieved context for: hello", res.Reply)
	assert.False(t, res.Degraded)
	assert.Empty(t, tools.callLog())
	assert.Equal(t, []string{
		"node_entered:retrieve", "node_completed:retrieve",
		"node_entered:think", "node_completed:think",
		"node_entered:generate", "node_completed:generate",
		"run_completed:end",
	}, rec.trace())

	for _, ev := range rec.events {
		assert.Equal(t, res.RunID, ev.RunID)
		assert.Equal(t, "s1", ev.SessionID)
	}

	saved, err := e.State(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, StepDone, saved.CurrentStep)
	assert.Equal(t, 1, saved.Turn)
	assert.Equal(t, []Message{
		{Role: RoleUser, Content: "hello"},
		{Role: RoleAssistant, Content: res.Reply},
	}, saved.Messages)
}

func TestRun_SearchMessageCallsTool(t *testing.T) {
	tools := braveTools()
	e := newTestEngine(t, Config{Tools: tools})
	rec := &recorder{}

	res, err := e.Run(context.Background(), Input{SessionID: "s1", Message: "please search for cats"}, rec.emit)
	require.NoError(t, err)

	assert.Equal(t, []string{"brave-search/brave_web_search"}, tools.callLog())
	assert.Equal(t, []string{
		"node_entered:retrieve", "node_completed:retrieve",
		"node_entered:think", "node_completed:think",
		"node_entered:tool_call", "node_completed:tool_call",
		"node_entered:generate", "node_completed:generate",
		"run_completed:end",
	}, rec.trace())

	assert.Contains(t, res.Reply, "Retrieved context for: please search for cats")
	assert.Contains(t, res.Reply, "3 results for please search for cats")
	assert.Equal(t, "3 results for please search for cats", res.State.ToolOutputs["brave_web_search"])
	assert.Empty(t, res.State.PendingToolCalls)

	var sawExecuted bool
	for _, m := range res.State.Messages {
		if m.Content == "Executed tool. Available tools: 3" {
			sawExecuted = true
		}
	}
	assert.True(t, sawExecuted)
}

func TestRun_NodeCompletedCarriesUpdateAndSnapshot(t *testing.T) {
	e := newTestEngine(t, Config{})
	rec := &recorder{}

	_, err := e.Run(context.Background(), Input{SessionID: "s1", Message: "hello"}, rec.emit)
	require.NoError(t, err)

	completed := rec.events[1]
	require.Equal(t, EventNodeCompleted, completed.Type)
	require.NotNil(t, completed.Update)
	require.NotNil(t, completed.State)
	assert.Equal(t, "Retrieved context for: hello", *completed.Update.Context)
	assert.Equal(t, StepRetrieve, completed.State.CurrentStep)

	// later nodes must not reach back into an earlier snapshot
	final := rec.events[len(rec.events)-1]
	assert.Len(t, completed.State.Messages, 1)
	assert.Len(t, final.State.Messages, 2)
}

func TestRun_SecondTurnExtendsHistory(t *testing.T) {
	var seen []llm.Message
	provider := funcProvider(func(_ context.Context, req llm.Request) (string, error) {
		seen = req.Messages
		return "ok", nil
	})
	e := newTestEngine(t, Config{Provider: provider})
	ctx := context.Background()

	_, err := e.Run(ctx, Input{SessionID: "s1", Message: "first"}, nil)
	require.NoError(t, err)
	res, err := e.Run(ctx, Input{SessionID: "s1", Message: "second"}, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, res.State.Turn)
	assert.Len(t, res.State.Messages, 4)
	assert.Equal(t, "Retrieved context for: second", res.State.Context)
	require.Len(t, seen, 3)
	assert.Equal(t, "second", seen[2].Content)
}

func TestRun_NodeFailureKeepsLastCompletedCheckpoint(t *testing.T) {
	boom := errors.New("model overloaded")
	provider := funcProvider(func(context.Context, llm.Request) (string, error) { return "", boom })
	e := newTestEngine(t, Config{Provider: provider})
	rec := &recorder{}

	res, err := e.Run(context.Background(), Input{SessionID: "s1", Message: "hello"}, rec.emit)
	require.Error(t, err)
	assert.Nil(t, res)

	var failure *RunFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, NodeGenerate, failure.Node)
	assert.Equal(t, "s1", failure.SessionID)
	assert.ErrorIs(t, err, boom)

	trace := rec.trace()
	assert.Equal(t, "run_failed:generate", trace[len(trace)-1])
	last := rec.events[len(rec.events)-1]
	assert.Same(t, failure, last.Failure)
	assert.Contains(t, last.Error, "model overloaded")

	saved, err := e.State(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, StepThink, saved.CurrentStep)
	assert.Equal(t, "Retrieved context for: hello", saved.Context)
	assert.Empty(t, saved.LastAssistantMessage())
}

func TestRun_ToolFailureNamesToolCallNode(t *testing.T) {
	tools := braveTools()
	tools.callErr = errors.New("server crashed")
	e := newTestEngine(t, Config{Tools: tools})

	_, err := e.Run(context.Background(), Input{SessionID: "s1", Message: "search this"}, nil)
	var failure *RunFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, NodeToolCall, failure.Node)
}

func TestRun_InvalidInput(t *testing.T) {
	e := newTestEngine(t, Config{})
	rec := &recorder{}

	_, err := e.Run(context.Background(), Input{SessionID: "s1", Message: "   "}, rec.emit)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = e.Run(context.Background(), Input{Message: "hello"}, rec.emit)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, []string{"run_failed:start", "run_failed:start"}, rec.trace())
}

func TestRun_SaveRetriedOnce(t *testing.T) {
	// every odd save fails, so each checkpoint succeeds on its second attempt
	cp := &flakyCheckpointer{MemoryCheckpointer: NewMemoryCheckpointer(), failOn: func(n int) bool { return n%2 == 1 }}
	e := newTestEngine(t, Config{Checkpointer: cp})
	rec := &recorder{}

	res, err := e.Run(context.Background(), Input{SessionID: "s1", Message: "hello"}, rec.emit)
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	assert.NotContains(t, rec.trace(), "checkpoint_failed:retrieve")
	assert.Equal(t, int32(8), cp.saves.Load())
}

func TestRun_CheckpointFailureDegradesButCompletes(t *testing.T) {
	cp := &flakyCheckpointer{MemoryCheckpointer: NewMemoryCheckpointer(), failOn: func(int) bool { return true }}
	e := newTestEngine(t, Config{Checkpointer: cp, SaveAttempts: 3})
	rec := &recorder{}

	res, err := e.Run(context.Background(), Input{SessionID: "s1", Message: "hello"}, rec.emit)
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.NotEmpty(t, res.Reply)
	assert.Equal(t, []string{
		"node_entered:retrieve", "node_completed:retrieve", "checkpoint_failed:retrieve",
		"node_entered:think", "node_completed:think", "checkpoint_failed:think",
		"node_entered:generate", "node_completed:generate", "checkpoint_failed:generate",
		"checkpoint_failed:end",
		"run_completed:end",
	}, rec.trace())
	// three nodes plus the final save, three attempts each
	assert.Equal(t, int32(12), cp.saves.Load())

	_, err = e.State(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestRun_SameSessionIsSerialized(t *testing.T) {
	var active, peak atomic.Int32
	release := make(chan struct{})
	provider := funcProvider(func(ctx context.Context, _ llm.Request) (string, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return "ok", nil
	})
	e := newTestEngine(t, Config{Provider: provider})

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, msg := range []string{"one", "two"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Run(context.Background(), Input{SessionID: "same", Message: msg}, nil)
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return active.Load() == 1 }, time.Second, 5*time.Millisecond)
	// the second run must still be queued behind the session lock
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), active.Load())
	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, int32(1), peak.Load())
	saved, err := e.State(context.Background(), "same")
	require.NoError(t, err)
	assert.Equal(t, 2, saved.Turn)
	assert.Len(t, saved.Messages, 4)
}

func TestRun_DifferentSessionsRunConcurrently(t *testing.T) {
	var active atomic.Int32
	release := make(chan struct{})
	provider := funcProvider(func(ctx context.Context, _ llm.Request) (string, error) {
		active.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return "ok", nil
	})
	e := newTestEngine(t, Config{Provider: provider})

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Run(context.Background(), Input{SessionID: id, Message: "hi"}, nil)
			assert.NoError(t, err)
		}()
	}

	require.Eventually(t, func() bool { return active.Load() == 2 }, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()
}

func TestRun_CancelWhileWaitingForSession(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	provider := funcProvider(func(context.Context, llm.Request) (string, error) {
		close(entered)
		<-release
		return "ok", nil
	})
	e := newTestEngine(t, Config{Provider: provider})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = e.Run(context.Background(), Input{SessionID: "s", Message: "first"}, nil)
	}()
	<-entered

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Run(ctx, Input{SessionID: "s", Message: "second"}, nil)
	var failure *RunFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, NodeStart, failure.Node)
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	<-done
}

func TestStream_DeliversEventsAndCloses(t *testing.T) {
	e := newTestEngine(t, Config{})

	var types []EventType
	for ev := range e.Stream(context.Background(), Input{SessionID: "s1", Message: "hello"}) {
		types = append(types, ev.Type)
	}
	require.NotEmpty(t, types)
	assert.Equal(t, EventNodeEntered, types[0])
	assert.Equal(t, EventRunCompleted, types[len(types)-1])
}

func TestStream_FailureIsTerminal(t *testing.T) {
	provider := funcProvider(func(context.Context, llm.Request) (string, error) { return "", errors.New("nope") })
	e := newTestEngine(t, Config{Provider: provider})

	var last Event
	for ev := range e.Stream(context.Background(), Input{SessionID: "s1", Message: "hello"}) {
		last = ev
	}
	assert.Equal(t, EventRunFailed, last.Type)
	require.NotNil(t, last.Failure)
	assert.Equal(t, NodeGenerate, last.Failure.Node)
}
