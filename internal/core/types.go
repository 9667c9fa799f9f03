package core

import (
	"context"
	"errors"
	"time"
)

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrInvalidRequest = errors.New("invalid request")
	ErrRenderFailed   = errors.New("pdf rendering failed")
	ErrDispatchFailed = errors.New("job dispatch failed")
	ErrJobFinished    = errors.New("job already finished")
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusSent      JobStatus = "SENT"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
)

// DuplicateMessage is stored on a job completed by a duplicate acknowledgment.
const DuplicateMessage = "duplicate"

func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// AllowedFrom lists the states a job may move to s from. Transitions only go
// forward, so no state can be re-entered.
func AllowedFrom(s JobStatus) []JobStatus {
	switch s {
	case JobStatusSent:
		return []JobStatus{JobStatusPending}
	case JobStatusCompleted, JobStatusFailed:
		return []JobStatus{JobStatusPending, JobStatusSent}
	default:
		return nil
	}
}

// Payload is the minimal set of ticket fields needed to render the document.
type Payload struct {
	TicketID       *int64   `json:"ticketId,omitempty"`
	Code           string   `json:"code,omitempty"`
	PlateNumber    string   `json:"plateNumber,omitempty"`
	WeighInWeight  *float64 `json:"weighInWeight,omitempty"`
	WeighOutWeight *float64 `json:"weighOutWeight,omitempty"`
	NetWeight      *float64 `json:"netWeight,omitempty"`
	Direction      string   `json:"direction,omitempty"`
}

type Job struct {
	ID             int64
	IdempotencyKey string
	MachineID      string
	PrinterName    string
	Status         JobStatus
	Payload        Payload
	Copies         int
	ErrorMessage   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// JobView is the external representation of a job.
type JobView struct {
	ID           string    `json:"id"`
	DBID         int64     `json:"dbId,omitempty"`
	MachineID    string    `json:"machineId,omitempty"`
	TicketID     *int64    `json:"ticketId,omitempty"`
	Status       string    `json:"status"`
	ErrorMessage *string   `json:"errorMessage"`
	Copies       int       `json:"copies,omitempty"`
	PrinterName  string    `json:"printerName,omitempty"`
	CreatedAt    time.Time `json:"createdAt,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt,omitempty"`
	PDFURL       string    `json:"pdfUrl,omitempty"`
}

func (j *Job) View(pdfURL string) JobView {
	v := JobView{
		ID:          j.IdempotencyKey,
		DBID:        j.ID,
		MachineID:   j.MachineID,
		TicketID:    j.Payload.TicketID,
		Status:      string(j.Status),
		Copies:      j.Copies,
		PrinterName: j.PrinterName,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
		PDFURL:      pdfURL,
	}
	if j.ErrorMessage != "" {
		msg := j.ErrorMessage
		v.ErrorMessage = &msg
	}
	return v
}

type JobFilter struct {
	TicketID  *int64
	MachineID string
	Limit     int
	Offset    int
}

// JobStore persists jobs. Implementations: db.JobOperations (SQLite) and
// db.PGJobStore (Postgres).
type JobStore interface {
	// Create inserts job unless its idempotency key exists; it reports
	// whether a row was inserted and fills job.ID when it was.
	Create(ctx context.Context, job *Job) (bool, error)
	GetByKey(ctx context.Context, key string) (*Job, error)
	// Transition moves the job to status if its current status is in
	// AllowedFrom(status). It reports whether the row changed.
	Transition(ctx context.Context, key string, status JobStatus, errMsg string) (bool, error)
	List(ctx context.Context, filter JobFilter) ([]*Job, error)
}

// Renderer turns a ticket payload into PDF bytes.
type Renderer interface {
	Render(ctx context.Context, p Payload) ([]byte, error)
}

// PDFCache holds rendered documents by idempotency key.
type PDFCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, pdf []byte) error
	Sweep(ctx context.Context) int
}

// Publisher sends JSON messages on the bus.
type Publisher interface {
	Publish(topic string, v interface{}) error
}

// Notifier is told about terminal job transitions.
type Notifier interface {
	JobFinished(job *Job)
}
