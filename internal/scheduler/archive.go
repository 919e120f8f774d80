package scheduler

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/stricklysoft/agentcoord/internal/ids"
	"github.com/stricklysoft/agentcoord/pkg/clients/postgres"
	sserr "github.com/stricklysoft/agentcoord/pkg/errors"
)

// PostgresArchiver persists terminal tasks (Completed, Failed, Cancelled)
// to a durable table, freeing the in-memory scheduler from retaining
// history. It satisfies the Archiver interface.
type PostgresArchiver struct {
	client *postgres.Client
}

// NewPostgresArchiver wraps an already-constructed postgres client.
func NewPostgresArchiver(client *postgres.Client) *PostgresArchiver {
	return &PostgresArchiver{client: client}
}

const archiveUpsertSQL = `
INSERT INTO task_archive (
	task_id, task_type, status, required_caps, payload,
	assigned_agent, retry_count, last_error, result,
	created_at, assigned_at, completed_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (task_id) DO UPDATE SET
	status = EXCLUDED.status,
	assigned_agent = EXCLUDED.assigned_agent,
	retry_count = EXCLUDED.retry_count,
	last_error = EXCLUDED.last_error,
	result = EXCLUDED.result,
	assigned_at = EXCLUDED.assigned_at,
	completed_at = EXCLUDED.completed_at
`

// Archive upserts a terminal task's final state. Upsert, rather than
// insert-only, because a re-failed-then-retried-then-failed-again task
// may be archived more than once before the scheduler is certain the
// task is truly final (retry re-enqueues do not call Archive, but a
// crash-and-replay of the coordinator could).
func (a *PostgresArchiver) Archive(ctx context.Context, t Task) error {
	caps, err := json.Marshal(t.RequiredCaps.Slice())
	if err != nil {
		return sserr.Wrap(err, sserr.CodeValidation, "archive: marshal required capabilities")
	}

	var agentID *string
	if t.AssignedAgent != nil {
		s := string(*t.AssignedAgent)
		agentID = &s
	}

	_, err = a.client.Exec(ctx, archiveUpsertSQL,
		string(t.ID), t.Type, string(t.Status), caps, []byte(t.Payload),
		agentID, t.RetryCount, t.LastError, []byte(t.Result),
		t.CreatedAt, t.AssignedAt, t.CompletedAt,
	)
	if err != nil {
		return sserr.Wrap(err, sserr.CodeInternal, "archive: upsert task failed")
	}
	return nil
}

const archiveLookupSQL = `
SELECT task_id, task_type, status, assigned_agent, retry_count,
       last_error, result, created_at, assigned_at, completed_at
FROM task_archive
WHERE task_id = $1
`

// Lookup retrieves an archived task's terminal record by ID, for
// post-hoc auditing after the in-memory scheduler has forgotten it.
func (a *PostgresArchiver) Lookup(ctx context.Context, id ids.TaskID) (Task, error) {
	row := a.client.QueryRow(ctx, archiveLookupSQL, string(id))

	var (
		t        Task
		taskID   string
		status   string
		agentID  *string
		result   []byte
	)
	err := row.Scan(&taskID, &t.Type, &status, &agentID, &t.RetryCount,
		&t.LastError, &result, &t.CreatedAt, &t.AssignedAt, &t.CompletedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Task{}, sserr.NotFoundf("archive: task %q not found", id)
		}
		return Task{}, sserr.Wrap(err, sserr.CodeInternal, "archive: lookup failed")
	}

	t.ID = ids.TaskID(taskID)
	t.Status = ids.TaskStatus(status)
	t.Result = result
	if agentID != nil {
		a := ids.AgentID(*agentID)
		t.AssignedAgent = &a
	}
	return t, nil
}
