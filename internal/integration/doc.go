// Package integration provides cross-package integration tests for taskpilot.
// These tests run the orchestrator against a real task store, execution log,
// run index and tool subprocesses.
//
// Build tag: integration
// Run with: go test -tags integration ./internal/integration/...
package integration
