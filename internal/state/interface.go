package state

import (
	"io"

	"github.com/ShayCichocki/taskpilot/pkg/models"
)

// RunStore handles run-index persistence operations.
type RunStore interface {
	RecordRun(run models.Run) error
	ListRuns(taskID string, limit int) ([]models.Run, error)
	LatestRuns() (map[string]models.Run, error)
	OutcomeCounts(taskID string) (map[models.Outcome]int, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// StateStore is the full run-index backend.
type StateStore interface {
	io.Closer
	Migrator
	RunStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ StateStore = (*DB)(nil)
	_ Migrator   = (*DB)(nil)
	_ RunStore   = (*DB)(nil)
)
