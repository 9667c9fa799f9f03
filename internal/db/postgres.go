package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orrn/weighprint/internal/core"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS print_jobs (
    id BIGSERIAL PRIMARY KEY,
    idempotency_key TEXT NOT NULL UNIQUE,
    machine_id TEXT NOT NULL,
    printer_name TEXT NOT NULL DEFAULT '',
    ticket_id BIGINT,
    status TEXT NOT NULL DEFAULT 'PENDING',
    payload JSONB NOT NULL DEFAULT '{}',
    copies INTEGER NOT NULL DEFAULT 1,
    error_message TEXT,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_print_jobs_ticket ON print_jobs(ticket_id);
CREATE INDEX IF NOT EXISTS idx_print_jobs_machine ON print_jobs(machine_id, created_at);
`

const pgJobColumns = `id, idempotency_key, machine_id, printer_name, ticket_id, status, payload, copies, error_message, created_at, updated_at`

// PGJobStore keeps jobs in Postgres for deployments that run more than one
// orchestrator.
type PGJobStore struct {
	pool *pgxpool.Pool
}

func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func NewPGJobStore(pool *pgxpool.Pool) *PGJobStore {
	return &PGJobStore{pool: pool}
}

func (s *PGJobStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

func (s *PGJobStore) Create(ctx context.Context, job *core.Job) (bool, error) {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return false, fmt.Errorf("failed to encode payload: %w", err)
	}

	const q = `
INSERT INTO print_jobs (idempotency_key, machine_id, printer_name, ticket_id, status, payload, copies, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (idempotency_key) DO NOTHING
RETURNING id;
`
	var id int64
	err = s.pool.QueryRow(ctx, q,
		job.IdempotencyKey, job.MachineID, job.PrinterName, job.Payload.TicketID,
		string(job.Status), payload, job.Copies, job.CreatedAt, job.UpdatedAt,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert job: %w", err)
	}
	job.ID = id
	return true, nil
}

func (s *PGJobStore) GetByKey(ctx context.Context, key string) (*core.Job, error) {
	q := `SELECT ` + pgJobColumns + ` FROM print_jobs WHERE idempotency_key = $1`
	job, err := scanPGJob(s.pool.QueryRow(ctx, q, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func (s *PGJobStore) Transition(ctx context.Context, key string, status core.JobStatus, errMsg string) (bool, error) {
	from := statusArgs(core.AllowedFrom(status))
	if len(from) == 0 {
		return false, nil
	}

	const q = `
UPDATE print_jobs SET status = $2, error_message = NULLIF($3, ''), updated_at = $4
WHERE idempotency_key = $1 AND status = ANY($5);
`
	tag, err := s.pool.Exec(ctx, q, key, string(status), errMsg, time.Now().UTC(), from)
	if err != nil {
		return false, fmt.Errorf("failed to update job status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PGJobStore) List(ctx context.Context, filter core.JobFilter) ([]*core.Job, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.TicketID != nil {
		args = append(args, *filter.TicketID)
		where = append(where, "ticket_id = $"+strconv.Itoa(len(args)))
	}
	if filter.MachineID != "" {
		args = append(args, filter.MachineID)
		where = append(where, "machine_id = $"+strconv.Itoa(len(args)))
	}

	q := `SELECT ` + pgJobColumns + ` FROM print_jobs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, clampLimit(filter.Limit), filter.Offset)
	q += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*core.Job
	for rows.Next() {
		job, err := scanPGJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanPGJob(row pgx.Row) (*core.Job, error) {
	var (
		job        core.Job
		ticketID   *int64
		statusText string
		payload    []byte
		errText    *string
	)
	if err := row.Scan(
		&job.ID,
		&job.IdempotencyKey,
		&job.MachineID,
		&job.PrinterName,
		&ticketID,
		&statusText,
		&payload,
		&job.Copies,
		&errText,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}

	job.Status = core.JobStatus(statusText)
	if err := json.Unmarshal(payload, &job.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload of job %s: %w", job.IdempotencyKey, err)
	}
	if job.Payload.TicketID == nil {
		job.Payload.TicketID = ticketID
	}
	if errText != nil {
		job.ErrorMessage = *errText
	}
	return &job, nil
}
