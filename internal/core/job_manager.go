package core

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/orrn/weighprint/internal/wire"
)

type CreateJobRequest struct {
	IdempotencyKey string
	MachineID      string
	Copies         int
	PrinterName    string
	Payload        Payload
}

type JobManagerConfig struct {
	BaseTopic     string
	PublicBaseURL string
	SweepInterval time.Duration
}

// JobManager owns the print job lifecycle on the backend: creation with
// idempotency, rendering and caching the document, dispatch over the bus, and
// folding device acknowledgments back into job status.
type JobManager struct {
	store     JobStore
	renderer  Renderer
	cache     PDFCache
	publisher Publisher
	notifier  Notifier
	machines  *MachineRegistry
	config    JobManagerConfig
	logger    log.FieldLogger
	now       func() time.Time
}

func NewJobManager(store JobStore, renderer Renderer, cache PDFCache, publisher Publisher, cfg JobManagerConfig, logger log.FieldLogger) *JobManager {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Minute
	}
	return &JobManager{
		store:     store,
		renderer:  renderer,
		cache:     cache,
		publisher: publisher,
		machines:  NewMachineRegistry(),
		config:    cfg,
		logger:    logger.WithField("component", "jobs"),
		now:       time.Now,
	}
}

// SetNotifier installs the receiver of terminal transitions.
func (m *JobManager) SetNotifier(n Notifier) {
	m.notifier = n
}

func (m *JobManager) Machines() *MachineRegistry {
	return m.machines
}

// PDFURL is the stable download location the device fetches the document from.
func (m *JobManager) PDFURL(key string) string {
	return fmt.Sprintf("%s/print-jobs/%s/pdf", strings.TrimSuffix(m.config.PublicBaseURL, "/"), url.PathEscape(key))
}

// CreateOrGetJob returns the existing job for the idempotency key untouched,
// or creates, renders, caches and dispatches a new one. The bool reports
// whether this call created the job.
func (m *JobManager) CreateOrGetJob(ctx context.Context, req CreateJobRequest) (JobView, bool, error) {
	if strings.TrimSpace(req.MachineID) == "" {
		return JobView{}, false, fmt.Errorf("%w: machineId is required", ErrInvalidRequest)
	}
	if req.Copies <= 0 {
		req.Copies = 1
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = uuid.NewString()
	}

	if existing, err := m.store.GetByKey(ctx, key); err == nil {
		return existing.View(m.PDFURL(key)), false, nil
	} else if !errors.Is(err, ErrJobNotFound) {
		return JobView{}, false, err
	}

	now := m.now().UTC()
	job := &Job{
		IdempotencyKey: key,
		MachineID:      req.MachineID,
		PrinterName:    req.PrinterName,
		Status:         JobStatusPending,
		Payload:        req.Payload,
		Copies:         req.Copies,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	created, err := m.store.Create(ctx, job)
	if err != nil {
		return JobView{}, false, fmt.Errorf("failed to create job: %w", err)
	}
	if !created {
		// Lost a race with a concurrent request for the same key.
		existing, err := m.store.GetByKey(ctx, key)
		if err != nil {
			return JobView{}, false, err
		}
		return existing.View(m.PDFURL(key)), false, nil
	}

	logger := m.logger.WithFields(log.Fields{"job_id": key, "machine_id": job.MachineID})

	pdf, err := m.renderer.Render(ctx, job.Payload)
	if err != nil {
		logger.WithError(err).Error("render failed")
		m.finish(ctx, job, JobStatusFailed, "render failed: "+err.Error())
		return JobView{}, true, fmt.Errorf("%w: %v", ErrRenderFailed, err)
	}
	if err := m.cache.Set(ctx, key, pdf); err != nil {
		logger.WithError(err).Warn("failed to cache pdf")
	}

	pdfURL := m.PDFURL(key)
	if err := m.dispatch(ctx, job, pdfURL); err != nil {
		logger.WithError(err).Error("dispatch failed")
		return job.View(pdfURL), true, err
	}

	logger.Info("job dispatched")
	return job.View(pdfURL), true, nil
}

// Redispatch re-announces a job that has not reached a terminal state. The
// device's dedup store turns a redundant delivery into a duplicate ack.
func (m *JobManager) Redispatch(ctx context.Context, key string) (JobView, error) {
	job, err := m.store.GetByKey(ctx, key)
	if err != nil {
		return JobView{}, err
	}
	if job.Status.Terminal() {
		return job.View(""), ErrJobFinished
	}

	if _, ok := m.cache.Get(ctx, key); !ok {
		pdf, err := m.renderer.Render(ctx, job.Payload)
		if err != nil {
			return job.View(""), fmt.Errorf("%w: %v", ErrRenderFailed, err)
		}
		if err := m.cache.Set(ctx, key, pdf); err != nil {
			m.logger.WithError(err).Warn("failed to cache pdf")
		}
	}

	pdfURL := m.PDFURL(key)
	if err := m.dispatch(ctx, job, pdfURL); err != nil {
		return job.View(pdfURL), err
	}
	m.logger.WithField("job_id", key).Info("job redispatched")
	return job.View(pdfURL), nil
}

func (m *JobManager) dispatch(ctx context.Context, job *Job, pdfURL string) error {
	topics := wire.Topics{Prefix: m.config.BaseTopic, MachineID: job.MachineID}
	msg := wire.JobMessage{
		ID:       job.IdempotencyKey,
		TicketID: job.Payload.TicketID,
		PDFURL:   pdfURL,
		Copies:   job.Copies,
		Printer:  job.PrinterName,
	}
	if err := m.publisher.Publish(topics.Jobs(), msg); err != nil {
		return fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}

	if job.Status == JobStatusPending {
		changed, err := m.store.Transition(ctx, job.IdempotencyKey, JobStatusSent, "")
		if err != nil {
			return fmt.Errorf("failed to mark job sent: %w", err)
		}
		if changed {
			job.Status = JobStatusSent
			job.UpdatedAt = m.now().UTC()
		}
	}
	return nil
}

// GetJob returns the current view of a job.
func (m *JobManager) GetJob(ctx context.Context, key string) (JobView, error) {
	job, err := m.store.GetByKey(ctx, key)
	if err != nil {
		return JobView{}, err
	}
	return job.View(""), nil
}

func (m *JobManager) ListJobs(ctx context.Context, filter JobFilter) ([]JobView, error) {
	jobs, err := m.store.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	views := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, j.View(""))
	}
	return views, nil
}

// GetPDF serves the cached document, re-rendering it from the stored payload
// when the cache no longer has it.
func (m *JobManager) GetPDF(ctx context.Context, key string) ([]byte, error) {
	if pdf, ok := m.cache.Get(ctx, key); ok {
		return pdf, nil
	}

	job, err := m.store.GetByKey(ctx, key)
	if err != nil {
		return nil, err
	}

	pdf, err := m.renderer.Render(ctx, job.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRenderFailed, err)
	}
	if err := m.cache.Set(ctx, key, pdf); err != nil {
		m.logger.WithError(err).Warn("failed to cache pdf")
	}
	m.logger.WithField("job_id", key).Info("pdf re-rendered")
	return pdf, nil
}

// HandleAck applies one acknowledgment from any device. Unknown jobs and
// unknown status tokens are ignored; a repeated ack is a no-op.
func (m *JobManager) HandleAck(ctx context.Context, topic string, payload []byte) {
	ack, err := wire.ParseAck(payload)
	if err != nil {
		m.logger.WithError(err).WithField("topic", topic).Warn("dropping malformed ack")
		return
	}
	logger := m.logger.WithFields(log.Fields{"job_id": ack.ID, "status": ack.Status})

	status, errMsg, ok := MapAck(ack)
	if !ok {
		logger.Warn("ignoring ack with unknown status")
		return
	}

	job, err := m.store.GetByKey(ctx, ack.ID)
	if errors.Is(err, ErrJobNotFound) {
		logger.Debug("ack for unknown job")
		return
	}
	if err != nil {
		logger.WithError(err).Error("failed to load job for ack")
		return
	}

	m.finish(ctx, job, status, errMsg)
}

func (m *JobManager) finish(ctx context.Context, job *Job, status JobStatus, errMsg string) {
	changed, err := m.store.Transition(ctx, job.IdempotencyKey, status, errMsg)
	if err != nil {
		m.logger.WithError(err).WithField("job_id", job.IdempotencyKey).Error("failed to update job status")
		return
	}
	if !changed {
		return
	}

	job.Status = status
	job.ErrorMessage = errMsg
	job.UpdatedAt = m.now().UTC()
	m.logger.WithFields(log.Fields{
		"job_id": job.IdempotencyKey,
		"status": status,
	}).Info("job finished")

	if m.notifier != nil {
		m.notifier.JobFinished(job)
	}
}

// HandleStatus records device presence from the status topic.
func (m *JobManager) HandleStatus(ctx context.Context, topic string, payload []byte) {
	machineID, ok := wire.MachineFromTopic(m.config.BaseTopic, topic)
	if !ok {
		return
	}
	msg, err := wire.ParseStatus(payload)
	if err != nil {
		m.logger.WithError(err).WithField("topic", topic).Warn("dropping malformed status")
		return
	}
	m.machines.Record(machineID, msg, m.now().UTC())
}

// Run sweeps expired cache entries until ctx is done.
func (m *JobManager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := m.cache.Sweep(ctx); n > 0 {
				m.logger.WithField("removed", n).Info("pdf cache swept")
			}
		}
	}
}
