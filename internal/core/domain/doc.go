// Package domain defines the core domain models for TokMesh.
//
// Domain models are pure value objects and entities without any
// IO dependencies or framework coupling. This package contains:
//
//   - Session: User session entity with lifecycle management
//   - APIKey: API access key for authentication
//   - Token: Session token generation and hashing
//   - Errors: Domain-specific error definitions
//
// Session and APIKey implement validation and carry a version for
// optimistic locking; Token provides format and hash checks only.
//
// @req RQ-0101
// @design DS-0101
package domain
