// Package conversation connects chat requests to the workflow engine.
//
// # Streaming
//
// Service.Chat starts a run and converts its events into Chunks:
//
//   - node_completed for generate: a Content chunk with the reply
//   - the first checkpoint_failed: a Warning chunk
//   - run_failed: an Err chunk, always the last one
//
// # History
//
// When a run completes with a reply, the user message and the reply are
// appended to the history store in one transaction. A failed append is
// logged and never affects the response.
//
// # Observers
//
// Every event of every run is published on an EventBroadcaster keyed by
// session id. Slow observers drop events rather than stall a run.
package conversation
