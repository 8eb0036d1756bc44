// Package mcp implements the JSON-RPC 2.0 stdio protocol spoken between the
// host and a tool worker: newline-delimited framing, the worker session with
// its handshake and request correlation, and the worker-side server loop.
package mcp
