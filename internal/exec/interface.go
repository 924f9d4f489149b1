// Package exec abstracts short-lived command execution so that tool
// detection can be faked in tests.
package exec

import (
	"context"
)

// CommandRunner runs short external commands to completion.
type CommandRunner interface {
	// Run executes a command and returns combined stdout/stderr output.
	// The working directory is set to workDir if non-empty.
	Run(ctx context.Context, workDir string, name string, args ...string) (output []byte, err error)

	// LookPath resolves an executable name against PATH.
	LookPath(name string) (string, error)
}
