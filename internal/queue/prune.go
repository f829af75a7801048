package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/bernard/internal/database"
)

// Prune applies retention. Finished tasks older than ArchiveAfter are
// marked archived, then all but the newest KeepCompleted completed and
// KeepFailed failed (errored, uncompleted, cancelled) tasks are deleted
// with their events.
func (q *Queue) Prune(ctx context.Context) (PruneResult, error) {
	var result PruneResult
	now := time.Now()

	res, err := q.db.ExecContext(ctx, `
		UPDATE tasks SET archived = 1, archived_at = ?
		WHERE archived = 0
		  AND status IN ('completed', 'errored', 'cancelled', 'uncompleted')
		  AND completed_at < ?`,
		database.FormatTime(now), database.FormatTime(now.Add(-q.cfg.ArchiveAfter)),
	)
	if err != nil {
		return result, fmt.Errorf("archive tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	result.Archived = int(n)

	deleted, err := q.deleteBeyond(ctx, []Status{StatusCompleted}, q.cfg.KeepCompleted)
	if err != nil {
		return result, err
	}
	result.Deleted += deleted

	deleted, err = q.deleteBeyond(ctx, failedStatuses, q.cfg.KeepFailed)
	if err != nil {
		return result, err
	}
	result.Deleted += deleted

	if result.Archived > 0 || result.Deleted > 0 {
		q.logger.Info("task retention applied", "archived", result.Archived, "deleted", result.Deleted)
	}
	return result, nil
}

// deleteBeyond removes every task in statuses except the newest keep.
func (q *Queue) deleteBeyond(ctx context.Context, statuses []Status, keep int) (int, error) {
	marks := make([]string, len(statuses))
	args := make([]any, 0, len(statuses)+1)
	for i, s := range statuses {
		marks[i] = "?"
		args = append(args, string(s))
	}
	args = append(args, keep)
	in := strings.Join(marks, ", ")

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune: %w", err)
	}
	defer tx.Rollback()

	victims := `SELECT id FROM tasks WHERE status IN (` + in + `)
		ORDER BY completed_at DESC, id DESC LIMIT -1 OFFSET ?`

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_events WHERE task_id IN (`+victims+`)`, args...); err != nil {
		return 0, fmt.Errorf("delete task events: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id IN (`+victims+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("delete tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return int(n), nil
}
