// Package main provides the entry point for tokmesh-server.
//
// The server is the core TokMesh service that provides:
//
//   - HTTP/HTTPS API for session and token management
//   - Cluster communication for distributed deployments, when a Raft
//     address is configured
//
// The Redis-compatible protocol server and the local Unix socket server
// exist as packages but are not started by this binary.
//
// Usage:
//
//	tokmesh-server [flags]
//	tokmesh-server --config /path/to/config.yaml
//
// The server loads configuration, initializes infrastructure components,
// and starts the HTTP server and, if configured, the cluster server.
//
// @design DS-0501
package main
