package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fortdesk/knoxcore/pkg/canonical"
)

func (s *Store) CreateJob(ctx context.Context, j canonical.Job) (canonical.Job, error) {
	if err := j.Validate(); err != nil {
		return canonical.Job{}, err
	}
	q := s.rebind(`INSERT INTO jobs (id, project_id, kind, status, input_ref, result_ref, error_code,
		error_detail, created_at, finished_at) VALUES (?,?,?,?,?,?,?,?,?,?)`)
	_, err := s.db.ExecContext(ctx, q, j.ID, j.ProjectID, j.Kind, j.Status, j.InputRef, nullStr(j.ResultRef),
		nullStr(j.ErrorCode), nullStr(j.ErrorDetail), j.CreatedAt, j.FinishedAt)
	if err != nil {
		return canonical.Job{}, fmt.Errorf("store: create job: %w", err)
	}
	return j, nil
}

func (s *Store) GetJob(ctx context.Context, id canonical.EntityID) (canonical.Job, error) {
	q := s.rebind(`SELECT id, project_id, kind, status, input_ref, result_ref, error_code, error_detail,
		created_at, finished_at FROM jobs WHERE id = ?`)
	row := s.db.QueryRowContext(ctx, q, id)
	var j canonical.Job
	var resultRef, errCode, errDetail sql.NullString
	var finished sql.NullTime
	if err := row.Scan(&j.ID, &j.ProjectID, &j.Kind, &j.Status, &j.InputRef, &resultRef, &errCode, &errDetail,
		&j.CreatedAt, &finished); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return canonical.Job{}, ErrNotFound
		}
		return canonical.Job{}, err
	}
	j.ResultRef, j.ErrorCode, j.ErrorDetail = resultRef.String, errCode.String, errDetail.String
	if finished.Valid {
		j.FinishedAt = &finished.Time
	}
	return j, nil
}

// ClaimNextQueued atomically moves the oldest queued job of kind to
// running (stamping started_at) and returns it, or ErrNotFound if none is
// queued. The update's WHERE clause re-checks status=queued so two workers
// racing on the same row only one succeeds; the loser's UPDATE affects zero
// rows.
func (s *Store) ClaimNextQueued(ctx context.Context, kind canonical.JobKind) (canonical.Job, error) {
	var out canonical.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		sel := s.rebind(`SELECT id FROM jobs WHERE kind = ? AND status = ? ORDER BY created_at ASC LIMIT 1`)
		var id canonical.EntityID
		if err := tx.QueryRowContext(ctx, sel, kind, canonical.JobQueued).Scan(&id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		upd := s.rebind(`UPDATE jobs SET status = ?, started_at = ? WHERE id = ? AND status = ?`)
		res, err := tx.ExecContext(ctx, upd, canonical.JobRunning, nowUTC(), id, canonical.JobQueued)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		out.ID = id
		return nil
	})
	if err != nil {
		return canonical.Job{}, err
	}
	return s.GetJob(ctx, out.ID)
}

// FailStaleRunningJobs fails (error_code TIMEOUT) every job that has been
// running longer than deadline, for the Job Runner's periodic reaper sweep.
// It returns the number of jobs failed.
func (s *Store) FailStaleRunningJobs(ctx context.Context, deadline time.Duration) (int, error) {
	cutoff := nowUTC().Add(-deadline)
	q := s.rebind(`UPDATE jobs SET status = ?, error_code = ?, error_detail = ?, finished_at = ?
		WHERE status = ? AND started_at IS NOT NULL AND started_at < ?`)
	res, err := s.db.ExecContext(ctx, q, canonical.JobFailed, "TIMEOUT",
		"job exceeded its deadline and was reaped", nowUTC(), canonical.JobRunning, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: fail stale running jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// FinishJob transitions a running job to a terminal state, rejecting the
// move if the row is already terminal (mirrors canonical.Job.TransitionTo).
func (s *Store) FinishJob(ctx context.Context, id canonical.EntityID, status canonical.JobStatus, resultRef, errCode, errDetail string, finishedAt time.Time) error {
	if !canonical.JobTerminal(status) {
		return fmt.Errorf("store: FinishJob requires a terminal status, got %q", status)
	}
	q := s.rebind(`UPDATE jobs SET status = ?, result_ref = ?, error_code = ?, error_detail = ?, finished_at = ?
		WHERE id = ? AND status = ?`)
	res, err := s.db.ExecContext(ctx, q, status, nullStr(resultRef), nullStr(errCode), nullStr(errDetail),
		finishedAt.UTC(), id, canonical.JobRunning)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return canonical.ErrJobTerminalMutation
	}
	return nil
}
