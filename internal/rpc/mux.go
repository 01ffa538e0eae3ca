// ABOUTME: Correlated request multiplexer over an asynchronous duplex byte stream
// ABOUTME: Matches newline-delimited JSON-RPC responses to pending calls by id

package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Mux issues JSON-RPC calls on w and resolves them from records read on r.
// The caller owns the underlying stream; closing it ends the reader.
type Mux struct {
	w       io.Writer
	reader  *bufio.Reader
	logger  *slog.Logger
	timeout time.Duration

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[int64]chan *Response
	closed   bool
	closeErr error

	nextID atomic.Int64
	done   chan struct{}
}

// Option configures a Mux.
type Option func(*Mux)

// WithLogger sets the logger used for dropped and malformed records.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Mux) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithTimeout bounds every call in addition to its context. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(m *Mux) { m.timeout = d }
}

// NewMux starts the background reader and returns a ready Mux.
func NewMux(r io.Reader, w io.Writer, opts ...Option) *Mux {
	m := &Mux{
		w:       w,
		reader:  bufio.NewReader(r),
		logger:  slog.Default(),
		pending: make(map[int64]chan *Response),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.readLoop()
	return m
}

// Call sends method with params and waits for the matching response.
// result may be nil when the caller does not need the payload.
func (m *Mux) Call(ctx context.Context, method string, params, result any) error {
	id := m.nextID.Add(1)
	req, err := NewRequest(id, method, params)
	if err != nil {
		return err
	}

	respCh, err := m.addPending(id)
	if err != nil {
		return err
	}

	if err := m.write(req); err != nil {
		m.removePending(id)
		return fmt.Errorf("%s: %w: %v", method, ErrTransportClosed, err)
	}

	var timeoutC <-chan time.Time
	if m.timeout > 0 {
		timer := time.NewTimer(m.timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case resp, ok := <-respCh:
		if !ok {
			return m.Err()
		}
		return resp.Decode(method, result)
	case <-timeoutC:
		m.removePending(id)
		return fmt.Errorf("%s after %s: %w", method, m.timeout, ErrTimeout)
	case <-ctx.Done():
		m.removePending(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w", method, ErrTimeout)
		}
		return ctx.Err()
	}
}

// Notify sends a notification. No response is expected or awaited.
func (m *Mux) Notify(_ context.Context, method string, params any) error {
	if err := m.Err(); err != nil {
		return err
	}
	req, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	if err := m.write(req); err != nil {
		return fmt.Errorf("%s: %w: %v", method, ErrTransportClosed, err)
	}
	return nil
}

// Close fails every outstanding call with ErrTransportClosed. Safe to call
// more than once.
func (m *Mux) Close() error {
	m.fail(nil)
	return nil
}

// Fail closes the mux recording cause; pending calls see ErrTransportClosed
// wrapping it.
func (m *Mux) Fail(cause error) {
	m.fail(cause)
}

// Done is closed once the mux stops accepting calls.
func (m *Mux) Done() <-chan struct{} {
	return m.done
}

// Err returns nil while the mux is open and an ErrTransportClosed error after.
func (m *Mux) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		return nil
	}
	return m.closeErr
}

func (m *Mux) addPending(id int64) (chan *Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, m.closeErr
	}
	ch := make(chan *Response, 1)
	m.pending[id] = ch
	return ch, nil
}

func (m *Mux) removePending(id int64) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

func (m *Mux) pendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Mux) write(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_, err = m.w.Write(payload)
	return err
}

func (m *Mux) readLoop() {
	for {
		line, err := m.reader.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			m.dispatch(trimmed)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				m.fail(nil)
			} else {
				m.fail(err)
			}
			return
		}
	}
}

func (m *Mux) dispatch(line []byte) {
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		m.logger.Warn("dropping malformed record", "error", err, "size", len(line))
		return
	}

	if resp.Method != "" {
		m.handlePeerRequest(&resp)
		return
	}

	id, ok := resp.NumericID()
	if !ok {
		if resp.Error != nil {
			m.logger.Warn("peer error without request id", "code", resp.Error.Code, "message", resp.Error.Message)
		} else {
			m.logger.Warn("dropping response without usable id", "id", string(resp.ID))
		}
		return
	}

	m.mu.Lock()
	ch, found := m.pending[id]
	delete(m.pending, id)
	m.mu.Unlock()

	if !found {
		m.logger.Debug("dropping response for unknown id", "id", id)
		return
	}
	ch <- &resp
}

// handlePeerRequest answers pings and rejects every other server-initiated
// request. Notifications are only logged.
func (m *Mux) handlePeerRequest(req *Response) {
	if len(req.ID) == 0 || string(req.ID) == "null" {
		m.logger.Debug("peer notification", "method", req.Method)
		return
	}
	reply := map[string]any{"jsonrpc": Version, "id": req.ID}
	if req.Method == "ping" {
		reply["result"] = struct{}{}
	} else {
		reply["error"] = &RemoteError{Code: CodeMethodNotFound, Message: "method not supported by client: " + req.Method}
	}
	if err := m.write(reply); err != nil {
		m.logger.Warn("failed to answer peer request", "method", req.Method, "error", err)
	}
}

func (m *Mux) fail(cause error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if cause != nil {
		m.closeErr = fmt.Errorf("%w: %v", ErrTransportClosed, cause)
	} else {
		m.closeErr = ErrTransportClosed
	}
	pending := m.pending
	m.pending = make(map[int64]chan *Response)
	close(m.done)
	m.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	if len(pending) > 0 {
		m.logger.Debug("failed pending calls on close", "count", len(pending))
	}
}
