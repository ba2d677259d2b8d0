// Package api implements the admin HTTP API and WebSocket RPC endpoint for graylink.
//
// This package provides:
//   - Read-only views of live connections and the dispatch table
//   - Closing a live connection with a chosen disconnect reason
//   - Paginated connection history from the audit store
//   - The Prometheus exposition behind the same auth as everything else
//   - An RPC endpoint that runs the line protocol over WebSocket frames
//
// # Security
//
// Every endpoint except /health requires an HS256 bearer token issued with
// graylinkctl token. Viewers may read; operators may also close connections
// and open RPC sessions. Browsers open RPC sessions with single-use tickets
// so the token never appears in a URL.
//
// # Graceful Degradation
//
// History and metrics are optional. Without them their endpoints answer 503
// and the rest of the API keeps working.
package api
