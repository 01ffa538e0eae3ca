// Package mcp connects the service to Model Context Protocol tool servers.
//
// Two client variants implement Client:
//
//   - StdioClient spawns the server as a subprocess and speaks line-delimited
//     JSON-RPC over its stdin/stdout. Calls are correlated by id, so any
//     number may be in flight at once.
//   - HTTPClient POSTs each request to a streamable HTTP endpoint and accepts
//     either a JSON body or an event stream carrying the response.
//
// Registry collects clients by name. AllTools queries every client
// concurrently and returns whatever succeeded; each ToolDescriptor records its
// Owner so CallTool can be routed back.
//
// Tool servers are declared in a manifest file (JSON with comments):
//
//	{
//	  "mcpServers": {
//	    "brave": {
//	      "command": "npx",
//	      "args": ["-y", "@modelcontextprotocol/server-brave-search"]
//	    },
//	    "java-service": {"url": "http://10.0.0.5:8080", "path": "/mcp/message"}
//	  }
//	}
//
// Server re-exports the registry's tools on /mcp using the streamable HTTP
// transport, so other agents can reach every tool through one endpoint.
package mcp
