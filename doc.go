// Package mcp implements the core of the Model Context Protocol (MCP) used by the quiz server
// and its demonstration clients: JSON-RPC 2.0 message encoding, sessions that correlate
// requests with responses, pluggable transports, and a server-side capability registry.
//
// # Transports
//
// A transport produces a Stream, a duplex carrier of encoded frames. Three are provided:
//
//   - CommandTransport launches a child process and talks newline-delimited JSON over its
//     standard input and output.
//   - SSEClient and SSEServer carry server-to-client messages over a long-lived Server-Sent
//     Events connection and client-to-server messages as separate HTTP POST requests.
//   - StdIO wraps any io.Reader and io.Writer pair; servers use it over os.Stdin and os.Stdout.
//
// # Sessions
//
// A Session owns one Stream. It runs a single read loop that resolves outstanding requests by
// id and hands incoming requests and notifications to handlers on their own goroutines, so
// any number of callers may have requests in flight at once. Sessions move through the
// Uninitialized, Initializing, Ready and Closed states; only the handshake and ping are
// allowed before Ready.
//
// # Registry
//
// A Registry maps resource, tool, and prompt names to handlers. Tool arguments are validated
// against the tool's JSON Schema before the handler runs, and handler failures, including
// panics, are returned as errors rather than crashing the server.
package mcp
