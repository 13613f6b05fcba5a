package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Job states.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

const defaultJobAttempts = 3

const jobColumns = `id, type, payload_json, status, attempts, max_attempts,
	run_after, created_at, updated_at, COALESCE(last_error, '')`

// jobBackoff is the delay before retry number attempt (1-based): 2s, 4s, 8s...
func jobBackoff(attempt int) time.Duration {
	return time.Second << attempt
}

func scanJob(row scanner) (Job, error) {
	var (
		j                          Job
		runAfter, created, updated string
	)
	if err := row.Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &created, &updated, &j.LastError); err != nil {
		return Job{}, err
	}
	var err error
	if j.RunAfter, err = unstamp(runAfter); err == nil {
		if j.CreatedAt, err = unstamp(created); err == nil {
			j.UpdatedAt, err = unstamp(updated)
		}
	}
	if err != nil {
		return Job{}, fmt.Errorf("job %s: bad timestamp: %w", j.ID, err)
	}
	return j, nil
}

// EnqueueJob adds a pending job. A zero RunAfter means now and a zero
// MaxAttempts means three.
func (s *Store) EnqueueJob(job Job) error {
	now := stamp(time.Now())
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = stamp(job.RunAfter)
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = defaultJobAttempts
	}
	_, err := s.db.Exec(`INSERT INTO jobs
		(id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, JobPending, job.MaxAttempts, runAfter, now, now)
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	return nil
}

// ClaimNextJob moves the oldest due pending job of one of the given types to
// running and returns it. It returns nil, nil when nothing is due.
func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}
	now := time.Now()

	args := []any{stamp(now)}
	for _, t := range types {
		args = append(args, t)
	}
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE status = 'pending' AND run_after <= ?
		  AND type IN (` + strings.TrimSuffix(strings.Repeat("?,", len(types)), ",") + `)
		ORDER BY run_after, created_at
		LIMIT 1`

	var claimed *Job
	err := s.inTx(func(tx *sql.Tx) error {
		j, err := scanJob(tx.QueryRow(query, args...))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		res, err := tx.Exec(`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			JobRunning, stamp(now), j.ID, JobPending)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil || n != 1 {
			return err
		}
		j.Status = JobRunning
		j.UpdatedAt, _ = unstamp(stamp(now))
		claimed = &j
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return claimed, nil
}

// CompleteJob marks a job completed.
func (s *Store) CompleteJob(id string) error {
	res, err := s.db.Exec(`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
		JobCompleted, stamp(time.Now()), id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

// FailJob records a failed attempt. Until attempts are exhausted the job
// goes back to pending behind an exponential backoff.
func (s *Store) FailJob(id string, errMsg string) error {
	return s.inTx(func(tx *sql.Tx) error {
		var attempts, max int
		err := tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &max)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		attempts++
		now := time.Now()
		status, runAfter := JobPending, now.Add(jobBackoff(attempts))
		if attempts >= max {
			status, runAfter = JobFailed, now
		}
		_, err = tx.Exec(`UPDATE jobs
			SET status = ?, attempts = ?, last_error = ?, run_after = ?, updated_at = ?
			WHERE id = ?`,
			status, attempts, errMsg, stamp(runAfter), stamp(now), id)
		return err
	})
}

// GetJob returns a job by ID, or ErrNotFound.
func (s *Store) GetJob(id string) (Job, error) {
	j, err := scanJob(s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return j, err
}

// ResetRunningJobs puts jobs left running by a previous process back to
// pending. Call it once at startup before any worker runs.
func (s *Store) ResetRunningJobs() (int, error) {
	res, err := s.db.Exec(`UPDATE jobs SET status = ?, updated_at = ? WHERE status = ?`,
		JobPending, stamp(time.Now()), JobRunning)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
