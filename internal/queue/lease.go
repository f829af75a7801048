package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nugget/bernard/internal/database"
	"github.com/nugget/bernard/internal/events"
)

// claimRetries bounds how often claim re-selects after losing a race to
// another worker.
const claimRetries = 5

// claim takes the next runnable task for owner: a queued task whose
// backoff has elapsed, or a running task whose lease expired. It returns
// nil when nothing is runnable.
func (q *Queue) claim(ctx context.Context, owner string) (*Task, error) {
	if err := q.expireExhausted(ctx); err != nil {
		return nil, err
	}

	for i := 0; i < claimRetries; i++ {
		now := database.FormatTime(time.Now())
		var id, status string
		err := q.db.QueryRowContext(ctx, `
			SELECT id, status FROM tasks
			WHERE (status = 'queued' AND available_at <= ?)
			   OR (status = 'running' AND lease_expires_at < ?)
			ORDER BY available_at, created_at
			LIMIT 1`,
			now, now,
		).Scan(&id, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("select runnable task: %w", err)
		}
		if !canTransition(Status(status), StatusRunning) {
			return nil, fmt.Errorf("illegal transition %s -> %s", status, StatusRunning)
		}

		lease := database.FormatTime(time.Now().Add(q.cfg.LeaseDuration))
		res, err := q.db.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'running',
			    attempts_made = attempts_made + 1,
			    started_at = COALESCE(started_at, ?),
			    lease_owner = ?,
			    lease_expires_at = ?
			WHERE id = ?
			  AND ((status = 'queued' AND available_at <= ?)
			    OR (status = 'running' AND lease_expires_at < ?))`,
			now, owner, lease, id, now, now,
		)
		if err != nil {
			return nil, fmt.Errorf("claim task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}

		t, err := q.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if status == string(StatusRunning) {
			q.logger.Warn("reclaimed stalled task", "task_id", id, "attempt", t.AttemptsMade)
		}
		return t, nil
	}
	return nil, nil
}

// expireExhausted fails stalled tasks that have no attempts left, so a
// crashing processor cannot be reclaimed forever.
func (q *Queue) expireExhausted(ctx context.Context) error {
	now := database.FormatTime(time.Now())
	rows, err := q.db.QueryContext(ctx, `
		SELECT id FROM tasks
		WHERE status = 'running' AND lease_expires_at < ? AND attempts_made >= max_attempts`,
		now,
	)
	if err != nil {
		return fmt.Errorf("select exhausted tasks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan exhausted task: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		res, err := q.db.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'errored', completed_at = ?, error_message = 'worker lease expired',
			    lease_owner = NULL, lease_expires_at = NULL
			WHERE id = ? AND status = 'running' AND lease_expires_at < ?`,
			now, id, now,
		)
		if err != nil {
			return fmt.Errorf("expire task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		q.logger.Warn("stalled task out of attempts", "task_id", id)
		if t, err := q.Get(ctx, id); err == nil {
			q.RecordEvent(ctx, t, events.Event{
				Type: events.TypeTaskCompleted,
				Data: map[string]any{"status": string(StatusErrored), "error": "worker lease expired"},
			})
		}
	}
	return nil
}

// heartbeat extends owner's lease on id. It reports whether a cancel
// was requested and fails with ErrNotFound when the lease was lost.
func (q *Queue) heartbeat(ctx context.Context, id, owner string) (cancelRequested bool, err error) {
	lease := database.FormatTime(time.Now().Add(q.cfg.LeaseDuration))
	res, err := q.db.ExecContext(ctx, `
		UPDATE tasks SET lease_expires_at = ?
		WHERE id = ? AND status = 'running' AND lease_owner = ?`,
		lease, id, owner,
	)
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, ErrNotFound
	}
	var flag bool
	if err := q.db.QueryRowContext(ctx, `SELECT cancel_requested FROM tasks WHERE id = ?`, id).Scan(&flag); err != nil {
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return flag, nil
}

// outcome is how a run ended.
type outcome struct {
	status    Status
	err       error
	retryAt   time.Time
	runtimeMs int64
}

// finish applies o to a running task still leased by owner. It reports
// false when the lease was lost to another worker.
func (q *Queue) finish(ctx context.Context, id, owner string, o outcome) (bool, error) {
	if !canTransition(StatusRunning, o.status) {
		return false, fmt.Errorf("illegal transition %s -> %s", StatusRunning, o.status)
	}
	var errMsg sql.NullString
	if o.err != nil {
		errMsg = sql.NullString{String: o.err.Error(), Valid: true}
	}
	now := time.Now()

	var res sql.Result
	var err error
	if o.status == StatusQueued {
		res, err = q.db.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'queued', available_at = ?, error_message = ?,
			    lease_owner = NULL, lease_expires_at = NULL
			WHERE id = ? AND status = 'running' AND lease_owner = ?`,
			database.FormatTime(o.retryAt), errMsg, id, owner,
		)
	} else {
		res, err = q.db.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, completed_at = ?, runtime_ms = ?, error_message = ?,
			    lease_owner = NULL, lease_expires_at = NULL
			WHERE id = ? AND status = 'running' AND lease_owner = ?`,
			string(o.status), database.FormatTime(now), o.runtimeMs, errMsg, id, owner,
		)
	}
	if err != nil {
		return false, fmt.Errorf("finish task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finish task: %w", err)
	}
	return n == 1, nil
}

// release hands a task back without charging the attempt, used when the
// worker shuts down mid-run.
func (q *Queue) release(ctx context.Context, id, owner string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'queued', attempts_made = MAX(attempts_made - 1, 0),
		    available_at = ?, lease_owner = NULL, lease_expires_at = NULL
		WHERE id = ? AND status = 'running' AND lease_owner = ?`,
		database.FormatTime(time.Now()), id, owner,
	)
	if err != nil {
		return fmt.Errorf("release task: %w", err)
	}
	return nil
}
