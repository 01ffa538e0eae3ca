// ABOUTME: Tests for the correlated request multiplexer over in-memory pipes
// ABOUTME: Covers out-of-order correlation, close semantics, timeouts and malformed input

package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakePeer plays the server side of a Mux.
type fakePeer struct {
	reqs *bufio.Reader
	out  *io.PipeWriter
}

func newPair(t *testing.T, opts ...Option) (*Mux, *fakePeer) {
	t.Helper()
	toPeerR, toPeerW := io.Pipe()
	toMuxR, toMuxW := io.Pipe()

	m := NewMux(toMuxR, toPeerW, opts...)
	t.Cleanup(func() {
		_ = toMuxW.Close()
		_ = toPeerR.Close()
		_ = m.Close()
		<-m.Done()
	})
	return m, &fakePeer{reqs: bufio.NewReader(toPeerR), out: toMuxW}
}

func (p *fakePeer) readRequest() (Request, error) {
	line, err := p.reqs.ReadBytes('\n')
	if err != nil {
		return Request{}, err
	}
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Request{}, err
	}
	return req, nil
}

func (p *fakePeer) send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = p.out.Write(append(payload, '\n'))
	return err
}

func (p *fakePeer) drain() {
	for {
		if _, err := p.readRequest(); err != nil {
			return
		}
	}
}

func TestMux_CorrelatesOutOfOrderResponses(t *testing.T) {
	m, peer := newPair(t)
	const n = 8

	go func() {
		var reqs []Request
		for i := 0; i < n; i++ {
			req, err := peer.readRequest()
			if err != nil {
				return
			}
			reqs = append(reqs, req)
		}
		// Answer in reverse arrival order.
		for i := len(reqs) - 1; i >= 0; i-- {
			var params map[string]int
			_ = json.Unmarshal(reqs[i].Params, &params)
			_ = peer.send(map[string]any{
				"jsonrpc": Version,
				"id":      reqs[i].ID,
				"result":  map[string]int{"echo": params["n"]},
			})
		}
	}()

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var out struct {
				Echo int `json:"echo"`
			}
			if err := m.Call(context.Background(), "echo", map[string]int{"n": i}, &out); err != nil {
				errs <- err
				return
			}
			if out.Echo != i {
				errs <- fmt.Errorf("call %d resolved with result for %d", i, out.Echo)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, 0, m.pendingCount())
}

func TestMux_StreamCloseFailsAllPending(t *testing.T) {
	m, peer := newPair(t)
	go peer.drain()

	const n = 5
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			results <- m.Call(context.Background(), "slow", nil, nil)
		}()
	}
	require.Eventually(t, func() bool { return m.pendingCount() == n }, time.Second, time.Millisecond)

	require.NoError(t, peer.out.Close())

	for i := 0; i < n; i++ {
		select {
		case err := <-results:
			assert.ErrorIs(t, err, ErrTransportClosed)
		case <-time.After(time.Second):
			t.Fatal("call left pending after stream close")
		}
	}

	err := m.Call(context.Background(), "after-close", nil, nil)
	assert.ErrorIs(t, err, ErrTransportClosed)
	assert.ErrorIs(t, m.Notify(context.Background(), "note", nil), ErrTransportClosed)
}

func TestMux_MalformedLinesAreSkipped(t *testing.T) {
	m, peer := newPair(t)

	go func() {
		req, err := peer.readRequest()
		if err != nil {
			return
		}
		_, _ = peer.out.Write([]byte("this is not json\n"))
		_, _ = peer.out.Write([]byte("\n"))
		_ = peer.send(map[string]any{"jsonrpc": Version, "id": 9999, "result": "stray"})
		_ = peer.send(map[string]any{"jsonrpc": Version, "id": req.ID, "result": "ok"})
	}()

	var out string
	require.NoError(t, m.Call(context.Background(), "ping", nil, &out))
	assert.Equal(t, "ok", out)
}

func TestMux_Timeout(t *testing.T) {
	t.Run("per-call timeout", func(t *testing.T) {
		m, peer := newPair(t, WithTimeout(20*time.Millisecond))
		go peer.drain()

		err := m.Call(context.Background(), "never", nil, nil)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.Equal(t, 0, m.pendingCount())
	})

	t.Run("context deadline", func(t *testing.T) {
		m, peer := newPair(t)
		go peer.drain()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := m.Call(ctx, "never", nil, nil)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.Equal(t, 0, m.pendingCount())
	})

	t.Run("context canceled", func(t *testing.T) {
		m, peer := newPair(t)
		go peer.drain()

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()
		err := m.Call(ctx, "never", nil, nil)
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, errors.Is(err, ErrTimeout))
	})
}

func TestMux_RemoteAndMalformedResponses(t *testing.T) {
	tests := []struct {
		name    string
		reply   func(id json.RawMessage) map[string]any
		checkFn func(t *testing.T, err error)
	}{
		{
			name: "remote error surfaced verbatim",
			reply: func(id json.RawMessage) map[string]any {
				return map[string]any{"jsonrpc": Version, "id": id, "error": map[string]any{"code": CodeMethodNotFound, "message": "no such method"}}
			},
			checkFn: func(t *testing.T, err error) {
				var remote *RemoteError
				require.ErrorAs(t, err, &remote)
				assert.Equal(t, CodeMethodNotFound, remote.Code)
				assert.Equal(t, "no such method", remote.Message)
			},
		},
		{
			name: "no result and no error",
			reply: func(id json.RawMessage) map[string]any {
				return map[string]any{"jsonrpc": Version, "id": id}
			},
			checkFn: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrMalformedResponse)
			},
		},
		{
			name: "result does not fit target",
			reply: func(id json.RawMessage) map[string]any {
				return map[string]any{"jsonrpc": Version, "id": id, "result": "a string"}
			},
			checkFn: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrMalformedResponse)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, peer := newPair(t)
			go func() {
				req, err := peer.readRequest()
				if err != nil {
					return
				}
				_ = peer.send(tt.reply(req.ID))
			}()

			var out struct{ N int }
			err := m.Call(context.Background(), "method", nil, &out)
			tt.checkFn(t, err)
		})
	}
}

func TestMux_NotifyHasNoID(t *testing.T) {
	m, peer := newPair(t)

	got := make(chan Request, 1)
	go func() {
		req, err := peer.readRequest()
		if err == nil {
			got <- req
		}
	}()

	require.NoError(t, m.Notify(context.Background(), "notifications/initialized", nil))
	req := <-got
	assert.Equal(t, "notifications/initialized", req.Method)
	assert.Empty(t, req.ID)
	assert.Equal(t, Version, req.JSONRPC)
}

func TestMux_AnswersPeerPing(t *testing.T) {
	_, peer := newPair(t)

	require.NoError(t, peer.send(map[string]any{"jsonrpc": Version, "id": "srv-1", "method": "ping"}))
	line, err := peer.reqs.ReadBytes('\n')
	require.NoError(t, err)

	var reply map[string]any
	require.NoError(t, json.Unmarshal(line, &reply))
	assert.Equal(t, "srv-1", reply["id"])
	assert.Contains(t, reply, "result")
}

func TestMux_IDsAreUnique(t *testing.T) {
	m, peer := newPair(t)
	const n = 20

	seen := make(chan json.RawMessage, n)
	go func() {
		for i := 0; i < n; i++ {
			req, err := peer.readRequest()
			if err != nil {
				return
			}
			seen <- req.ID
			_ = peer.send(map[string]any{"jsonrpc": Version, "id": req.ID, "result": true})
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Call(context.Background(), "x", nil, nil)
		}()
	}
	wg.Wait()
	close(seen)

	ids := map[string]bool{}
	for id := range seen {
		assert.False(t, ids[string(id)], "duplicate id %s", id)
		ids[string(id)] = true
	}
	assert.Len(t, ids, n)
}
