package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/orrn/weighprint/internal/core"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// JobOperations is the SQLite job store.
type JobOperations struct {
	db *sql.DB
}

func NewJobOperations(db *sql.DB) *JobOperations {
	return &JobOperations{db: db}
}

func (o *JobOperations) Create(ctx context.Context, job *core.Job) (bool, error) {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return false, fmt.Errorf("failed to encode payload: %w", err)
	}

	result, err := o.db.ExecContext(ctx, InsertJob,
		job.IdempotencyKey, job.MachineID, job.PrinterName, ticketArg(job.Payload),
		string(job.Status), string(payload), job.Copies, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert job: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	id, err := result.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("failed to get job id: %w", err)
	}
	job.ID = id
	return true, nil
}

func (o *JobOperations) GetByKey(ctx context.Context, key string) (*core.Job, error) {
	job, err := scanJob(o.db.QueryRowContext(ctx, GetJobByKey, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func (o *JobOperations) Transition(ctx context.Context, key string, status core.JobStatus, errMsg string) (bool, error) {
	from := statusArgs(core.AllowedFrom(status))
	if len(from) == 0 {
		return false, nil
	}

	query := `UPDATE print_jobs SET status = ?, error_message = NULLIF(?, ''), updated_at = ?
		WHERE idempotency_key = ? AND status IN (?` + strings.Repeat(", ?", len(from)-1) + `)`
	args := []interface{}{string(status), errMsg, time.Now().UTC(), key}
	for _, s := range from {
		args = append(args, s)
	}

	result, err := o.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update job status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

func (o *JobOperations) List(ctx context.Context, filter core.JobFilter) ([]*core.Job, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.TicketID != nil {
		where = append(where, "ticket_id = ?")
		args = append(args, *filter.TicketID)
	}
	if filter.MachineID != "" {
		where = append(where, "machine_id = ?")
		args = append(args, filter.MachineID)
	}

	query := ListJobsBase
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, clampLimit(filter.Limit), filter.Offset)

	rows, err := o.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*core.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// PrintedJobs is the agent's durable record of printed job ids, keyed by id
// with the print time in unix milliseconds.
type PrintedJobs struct {
	db *sql.DB
}

func NewPrintedJobs(db *sql.DB) *PrintedJobs {
	return &PrintedJobs{db: db}
}

// Get returns when id was printed, if it is recorded.
func (p *PrintedJobs) Get(ctx context.Context, id string) (time.Time, bool, error) {
	var ms int64
	err := p.db.QueryRowContext(ctx, GetPrintedJob, id).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to get printed job: %w", err)
	}
	return time.UnixMilli(ms), true, nil
}

func (p *PrintedJobs) Upsert(ctx context.Context, id string, at time.Time) error {
	if _, err := p.db.ExecContext(ctx, UpsertPrintedJob, id, at.UnixMilli()); err != nil {
		return fmt.Errorf("failed to record printed job: %w", err)
	}
	return nil
}

func (p *PrintedJobs) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := p.db.ExecContext(ctx, DeletePrintedBefore, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune printed jobs: %w", err)
	}
	return result.RowsAffected()
}

func (p *PrintedJobs) ListNewerThan(ctx context.Context, cutoff time.Time) (map[string]time.Time, error) {
	rows, err := p.db.QueryContext(ctx, ListPrintedSince, cutoff.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to list printed jobs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			id string
			ms int64
		)
		if err := rows.Scan(&id, &ms); err != nil {
			return nil, fmt.Errorf("failed to scan printed job: %w", err)
		}
		out[id] = time.UnixMilli(ms)
	}
	return out, rows.Err()
}
