// Package rpc multiplexes JSON-RPC 2.0 calls over a single duplex byte stream.
//
// # Overview
//
// A Mux writes one newline-terminated JSON record per request and runs a
// single background reader that matches inbound records to outstanding
// calls by id. Responses may arrive in any order.
//
//	mux := rpc.NewMux(stdout, stdin, rpc.WithLogger(logger))
//	var out ListResult
//	err := mux.Call(ctx, "tools/list", nil, &out)
//
// # Failure Kinds
//
//   - ErrTimeout: no response before the per-call timeout or ctx deadline
//   - ErrTransportClosed: the stream ended or the mux was closed
//   - ErrMalformedResponse: a matched response carried no result or an undecodable one
//   - *RemoteError: the peer answered with a JSON-RPC error object
//
// Lines that are not valid JSON are logged and dropped; the reader keeps
// going. When the stream ends every outstanding call fails with
// ErrTransportClosed.
package rpc
