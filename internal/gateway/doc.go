// Package gateway orchestrates the agent-gateway server components.
//
// # Overview
//
// New wires everything from the loaded configuration: the checkpoint store
// (pooled SQLite connections), the history store, the tool registry with its
// stdio and HTTP clients, the completion provider holder, the dynamic
// configuration source, the workflow engine and the conversation service.
// Nothing listens and no background task runs until Run.
//
// # HTTP API
//
//	POST /rest/dark/v1/agent/chat   SSE chat, {session_id, message}
//	POST /api/chat                  same as above
//	POST /chat                      sync chat, returns {response, state}
//	POST /api/chat/sync             same as above
//	GET  /api/tools                 aggregated tool descriptors
//	GET  /api/sessions/{id}/history stored user/ai rows, ?limit=N
//	GET  /api/sessions/{id}/state   latest checkpointed state
//	GET  /api/sessions/{id}/events  live workflow events as SSE
//	POST /mcp                       registered tools re-exported over MCP
//	GET  /health                    liveness
//	GET  /health/ready              readiness, 503 while draining
//
// Streaming chat frames are `data: {"content": ...}`, an optional
// `data: {"warning": ...}` when the conversation state could not be saved,
// and a final `data: [DONE]`. A failed run ends with `data: {"error": ...}`
// and no [DONE].
//
// # Background Tasks
//
// Run starts three supervised tasks: connecting tool clients (and resolving
// the java service through discovery), registering this instance with
// heartbeats, and watching the dynamic LLM configuration. None of them
// blocks startup.
//
// # Shutdown
//
// Shutdown marks the gateway draining (readiness and gRPC health report not
// serving), ends event streams, shuts the HTTP and gRPC servers down, stops
// and awaits background tasks, deregisters, closes the tool registry, then
// the checkpoint store, the history store and the tailscale node.
package gateway
