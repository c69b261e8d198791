// Package clusterserver provides cluster communication for TokMesh.
//
// This package handles inter-node communication in distributed deployments:
//
//   - Node discovery and membership
//   - State synchronization via Raft consensus
//   - Gossip protocol for health monitoring
//   - Data replication and consistency
//
// Communication uses Connect RPC (gRPC protocol, Protobuf serialization).
// It runs over TLS when Config.TLSConfig is set, and client certificates are
// checked when that config carries ClientCAs; without a TLS config the RPC
// runs over plain HTTP without authentication.
//
// @req RQ-0401
// @design DS-0401
package clusterserver
