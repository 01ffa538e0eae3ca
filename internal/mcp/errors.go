// ABOUTME: Error taxonomy for tool clients and the registry
// ABOUTME: ConfigError fails fast at setup, TransportError covers process and HTTP failures

package mcp

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for unknown clients and tools.
	ErrNotFound = errors.New("mcp: not found")

	// ErrNotConnected is returned when a client is used before Connect.
	ErrNotConnected = errors.New("mcp: client not connected")

	// ErrClosed is returned when a client is used after Close.
	ErrClosed = errors.New("mcp: client closed")
)

// ConfigError reports a client that cannot be set up, such as a command
// missing from PATH. It aborts that client's registration only.
type ConfigError struct {
	Client string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tool client %q misconfigured: %s: %v", e.Client, e.Reason, e.Err)
	}
	return fmt.Sprintf("tool client %q misconfigured: %s", e.Client, e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// TransportError reports a failure to reach the tool server. Status and
// Body are set for non-2xx HTTP responses.
type TransportError struct {
	Client string
	Status int
	Body   string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("tool client %q: http status %d: %s", e.Client, e.Status, e.Body)
	}
	return fmt.Sprintf("tool client %q: transport failure: %v", e.Client, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
