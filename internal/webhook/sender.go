package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/orrn/weighprint/internal/config"
	"github.com/orrn/weighprint/internal/core"
)

type WebhookEvent string

const (
	EventJobCompleted WebhookEvent = "job_completed"
	EventJobFailed    WebhookEvent = "job_failed"
	EventTest         WebhookEvent = "test"
)

var ErrUnknownTarget = errors.New("webhook target not found")

type WebhookPayload struct {
	Event     string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
	Signature string      `json:"signature,omitempty"`
}

type JobEventData struct {
	JobID        string `json:"job_id"`
	MachineID    string `json:"machine_id"`
	TicketID     *int64 `json:"ticket_id,omitempty"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
	Copies       int    `json:"copies"`
	DurationMs   int64  `json:"duration_ms,omitempty"`
}

type WebhookConfig struct {
	RetryCount  int
	RetryDelay  time.Duration
	Timeout     time.Duration
	WorkerCount int
	QueueSize   int
}

// ConfigFrom maps the webhooks config section onto sender settings.
func ConfigFrom(c config.WebhooksConfig) WebhookConfig {
	return WebhookConfig{
		RetryCount: c.RetryCount,
		RetryDelay: c.RetryDelay,
		Timeout:    c.Timeout,
		QueueSize:  c.QueueSize,
	}
}

type webhookTask struct {
	target  int
	event   WebhookEvent
	payload *WebhookPayload
	attempt int
}

type Stats struct {
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
}

// WebhookSender delivers job outcome events to the configured targets from a
// bounded queue drained by a fixed set of workers.
type WebhookSender struct {
	targets     []config.WebhookTarget
	httpClient  *http.Client
	retryCount  int
	retryDelay  time.Duration
	workerCount int
	queue       chan *webhookTask
	stopCh      chan struct{}
	wg          sync.WaitGroup
	logger      log.FieldLogger

	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

func NewWebhookSender(targets []config.WebhookTarget, cfg WebhookConfig, logger log.FieldLogger) *WebhookSender {
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 3
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}

	return &WebhookSender{
		targets: targets,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		retryCount:  cfg.RetryCount,
		retryDelay:  cfg.RetryDelay,
		workerCount: cfg.WorkerCount,
		queue:       make(chan *webhookTask, cfg.QueueSize),
		stopCh:      make(chan struct{}),
		logger:      logger.WithField("component", "webhook"),
	}
}

func (s *WebhookSender) Start() {
	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

func (s *WebhookSender) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *WebhookSender) Targets() []config.WebhookTarget {
	return s.targets
}

func (s *WebhookSender) Stats() Stats {
	return Stats{
		Delivered: s.delivered.Load(),
		Failed:    s.failed.Load(),
		Dropped:   s.dropped.Load(),
	}
}

// JobFinished queues a job_completed or job_failed event.
func (s *WebhookSender) JobFinished(job *core.Job) {
	data := &JobEventData{
		JobID:        job.IdempotencyKey,
		MachineID:    job.MachineID,
		TicketID:     job.Payload.TicketID,
		Status:       string(job.Status),
		ErrorMessage: job.ErrorMessage,
		Copies:       job.Copies,
	}
	if !job.CreatedAt.IsZero() && !job.UpdatedAt.IsZero() {
		data.DurationMs = job.UpdatedAt.Sub(job.CreatedAt).Milliseconds()
	}

	event := EventJobCompleted
	if job.Status == core.JobStatusFailed {
		event = EventJobFailed
	}
	s.enqueue(event, data)
}

// SendTest delivers a test event to one target synchronously.
func (s *WebhookSender) SendTest(index int) error {
	if index < 0 || index >= len(s.targets) {
		return ErrUnknownTarget
	}
	return s.sendRequest(s.targets[index], &WebhookPayload{
		Event:     string(EventTest),
		Timestamp: time.Now(),
		Data:      map[string]string{"message": "test webhook"},
	})
}

func (s *WebhookSender) enqueue(event WebhookEvent, data interface{}) {
	for i, target := range s.targets {
		if !subscribed(target, event) {
			continue
		}

		task := &webhookTask{
			target: i,
			event:  event,
			payload: &WebhookPayload{
				Event:     string(event),
				Timestamp: time.Now(),
				Data:      data,
			},
		}

		select {
		case s.queue <- task:
		default:
			s.dropped.Add(1)
			s.logger.WithFields(log.Fields{"url": target.URL, "event": event}).Warn("queue full, dropping webhook")
		}
	}
}

// subscribed treats an empty event list as all events.
func subscribed(t config.WebhookTarget, event WebhookEvent) bool {
	if len(t.Events) == 0 {
		return true
	}
	for _, e := range t.Events {
		if e == string(event) {
			return true
		}
	}
	return false
}

func (s *WebhookSender) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case task := <-s.queue:
			if err := s.sendWithRetry(task); err != nil {
				s.failed.Add(1)
				s.logger.WithError(err).WithFields(log.Fields{
					"worker":   id,
					"url":      s.targets[task.target].URL,
					"event":    task.event,
					"attempts": task.attempt,
				}).Error("webhook delivery failed")
				continue
			}
			s.delivered.Add(1)
		}
	}
}

func (s *WebhookSender) sendWithRetry(task *webhookTask) error {
	target := s.targets[task.target]

	var lastErr error
	for task.attempt < s.retryCount {
		task.attempt++

		err := s.sendRequest(target, task.payload)
		if err == nil {
			return nil
		}

		lastErr = err

		var httpErr *httpError
		if errors.As(err, &httpErr) && httpErr.clientError() {
			return err
		}

		if task.attempt < s.retryCount {
			backoff := s.retryDelay * time.Duration(1<<(task.attempt-1))
			s.logger.WithError(err).WithFields(log.Fields{
				"url":     target.URL,
				"attempt": task.attempt,
				"backoff": backoff,
			}).Warn("retrying webhook")

			select {
			case <-s.stopCh:
				return fmt.Errorf("shutdown requested")
			case <-time.After(backoff):
			}
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

type httpError struct {
	status int
}

func (e *httpError) Error() string {
	return fmt.Sprintf("http error: %d", e.status)
}

func (e *httpError) clientError() bool {
	return e.status >= 400 && e.status < 500
}

func (s *WebhookSender) sendRequest(target config.WebhookTarget, payload *WebhookPayload) error {
	payloadBytes, err := json.Marshal(payload.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}

	if target.Secret != "" {
		payload.Signature = Sign(payloadBytes, target.Secret)
	}

	fullPayload, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, target.URL, bytes.NewReader(fullPayload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", payload.Signature)
	req.Header.Set("X-Webhook-Event", payload.Event)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &httpError{status: resp.StatusCode}
	}

	return nil
}

// Sign is the hex HMAC-SHA256 of the event data under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
