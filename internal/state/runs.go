package state

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/ShayCichocki/taskpilot/pkg/models"
)

const runColumns = `id, task_id, tool, attempt, iteration, continuation, started_at, ended_at, outcome, event_count, exit_code, error`

// RecordRun inserts or replaces a completed run.
func (db *DB) RecordRun(r models.Run) error {
	var endedAt any
	if !r.EndedAt.IsZero() {
		endedAt = formatTime(r.EndedAt)
	}
	_, err := db.Exec(`
		INSERT OR REPLACE INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.TaskID, r.Tool, r.Attempt, r.Iteration, boolToInt(r.Continuation),
		formatTime(r.StartedAt), endedAt, string(r.Outcome), r.EventCount, r.ExitCode, r.Error)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// ListRuns returns the runs of a task, newest first. limit <= 0 means all.
func (db *DB) ListRuns(taskID string, limit int) ([]models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE task_id = ? ORDER BY started_at DESC`
	args := []any{taskID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// LatestRuns returns the most recent run of every task, keyed by task id.
func (db *DB) LatestRuns() (map[string]models.Run, error) {
	rows, err := db.Query(`
		SELECT ` + runColumns + ` FROM runs r
		WHERE started_at = (SELECT MAX(started_at) FROM runs WHERE task_id = r.task_id)
	`)
	if err != nil {
		return nil, fmt.Errorf("latest runs: %w", err)
	}
	defer rows.Close()

	runs, err := scanRuns(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.Run, len(runs))
	for _, r := range runs {
		out[r.TaskID] = r
	}
	return out, nil
}

// OutcomeCounts returns how many runs of a task ended in each outcome.
func (db *DB) OutcomeCounts(taskID string) (map[models.Outcome]int, error) {
	rows, err := db.Query(`
		SELECT outcome, COUNT(*) FROM runs WHERE task_id = ? GROUP BY outcome
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("outcome counts: %w", err)
	}
	defer rows.Close()

	out := make(map[models.Outcome]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scan outcome count: %w", err)
		}
		out[models.Outcome(outcome)] = n
	}
	return out, rows.Err()
}

// PurgeOldRuns deletes runs started before the specified duration ago.
// Returns the number of runs deleted.
func (db *DB) PurgeOldRuns(olderThan time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().Add(-olderThan))

	result, err := db.Exec(`DELETE FROM runs WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge old runs: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return count, nil
}

func scanRuns(rows *sql.Rows) ([]models.Run, error) {
	var runs []models.Run
	for rows.Next() {
		var r models.Run
		var startedAt, outcome string
		var endedAt, errText sql.NullString
		var continuation int
		if err := rows.Scan(&r.ID, &r.TaskID, &r.Tool, &r.Attempt, &r.Iteration, &continuation,
			&startedAt, &endedAt, &outcome, &r.EventCount, &r.ExitCode, &errText); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt, _ = parseTime(startedAt)
		r.EndedAt = parseNullableTime(endedAt)
		r.Outcome = models.Outcome(outcome)
		r.Continuation = continuation != 0
		r.Error = errText.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
