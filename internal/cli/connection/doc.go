// Package connection provides connection management for TokMesh CLI.
//
// This package manages connections to TokMesh servers:
//
//   - manager.go: Holds the current connection (set, clear, query)
//   - http.go: HTTP/HTTPS client implementation
//   - socket.go: Unix socket client
//
// Automatic reconnection and connection health monitoring are not
// implemented, and the Manager holds a single current connection.
//
// @design DS-0602
package connection
