package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/orrn/weighprint/internal/core"
)

// jobRow mirrors one print_jobs row before it becomes a core.Job.
type jobRow struct {
	ID             int64
	IdempotencyKey string
	MachineID      string
	PrinterName    string
	TicketID       sql.NullInt64
	Status         string
	PayloadJSON    string
	Copies         int
	ErrorMessage   sql.NullString
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(s scanner) (*core.Job, error) {
	var r jobRow
	if err := s.Scan(
		&r.ID, &r.IdempotencyKey, &r.MachineID, &r.PrinterName, &r.TicketID,
		&r.Status, &r.PayloadJSON, &r.Copies, &r.ErrorMessage,
		&r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	return r.toJob()
}

func (r *jobRow) toJob() (*core.Job, error) {
	job := &core.Job{
		ID:             r.ID,
		IdempotencyKey: r.IdempotencyKey,
		MachineID:      r.MachineID,
		PrinterName:    r.PrinterName,
		Status:         core.JobStatus(r.Status),
		Copies:         r.Copies,
		ErrorMessage:   r.ErrorMessage.String,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.PayloadJSON), &job.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload of job %s: %w", r.IdempotencyKey, err)
	}
	if r.TicketID.Valid && job.Payload.TicketID == nil {
		id := r.TicketID.Int64
		job.Payload.TicketID = &id
	}
	return job, nil
}

func ticketArg(p core.Payload) interface{} {
	if p.TicketID == nil {
		return nil
	}
	return *p.TicketID
}

func statusArgs(statuses []core.JobStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
