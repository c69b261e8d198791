// Package config provides CLI configuration for TokMesh.
//
// This package defines CLI-specific configuration:
//
//   - spec.go: CLIConfig struct (~/.tokmesh/cli.yaml)
//   - loader.go: Default path and the Load/Save/Merge entry points
//     (reading, writing and merging the file are not implemented)
//
// Configuration includes:
//
//   - Default server and output format
//   - Named connection profiles and the current connection
//
// @design DS-0601
package config
