// Package agent runs on the weighing station: it receives print jobs from the
// bus, prints each job id at most once, and reports the outcome.
package agent

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/orrn/weighprint/internal/bus"
	"github.com/orrn/weighprint/internal/wire"
)

// Dedup answers whether a job id was already printed on this device.
type Dedup interface {
	Has(ctx context.Context, id string) (bool, error)
	Mark(ctx context.Context, id string) error
}

type Config struct {
	MachineID     string
	BaseTopic     string
	PrinterName   string
	CopiesDefault int
}

type Agent struct {
	config    Config
	topics    wire.Topics
	dedup     Dedup
	fetcher   *Fetcher
	printer   Printer
	publisher bus.Publisher
	logger    log.FieldLogger
	now       func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

func New(cfg Config, dedup Dedup, fetcher *Fetcher, printer Printer, publisher bus.Publisher, logger log.FieldLogger) *Agent {
	if cfg.CopiesDefault <= 0 {
		cfg.CopiesDefault = 1
	}
	return &Agent{
		config:    cfg,
		topics:    wire.Topics{Prefix: cfg.BaseTopic, MachineID: cfg.MachineID},
		dedup:     dedup,
		fetcher:   fetcher,
		printer:   printer,
		publisher: publisher,
		logger:    logger.WithFields(log.Fields{"component": "agent", "machine_id": cfg.MachineID}),
		now:       time.Now,
		inflight:  make(map[string]struct{}),
	}
}

func (a *Agent) Topics() wire.Topics {
	return a.topics
}

// claim marks id as being handled; a second concurrent delivery of the same
// id loses and is treated as a duplicate.
func (a *Agent) claim(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, busy := a.inflight[id]; busy {
		return false
	}
	a.inflight[id] = struct{}{}
	return true
}

func (a *Agent) release(id string) {
	a.mu.Lock()
	delete(a.inflight, id)
	a.mu.Unlock()
}

// HandleJob processes one job delivery from the bus.
func (a *Agent) HandleJob(ctx context.Context, topic string, payload []byte) {
	msg, err := wire.ParseJob(payload)
	if err != nil {
		a.logger.WithError(err).WithField("topic", topic).Warn("dropping malformed job")
		return
	}

	id := msg.JobID()
	logger := a.logger.WithField("job_id", id)
	if msg.ID == "" {
		logger.Warn("job has no id, using content fingerprint")
	}

	copies := msg.Copies
	if copies <= 0 {
		copies = a.config.CopiesDefault
	}
	printerName := msg.Printer
	if printerName == "" {
		printerName = a.config.PrinterName
	}

	if !a.claim(id) {
		logger.Info("job already in progress, acknowledging duplicate")
		a.ack(wire.AckMessage{ID: id, Status: wire.AckDuplicate})
		return
	}
	defer a.release(id)

	printed, err := a.dedup.Has(ctx, id)
	if err != nil {
		logger.WithError(err).Error("dedup lookup failed, refusing to print")
		a.fail(id, msg, fmt.Errorf("dedup lookup failed: %w", err))
		return
	}
	if printed {
		logger.Info("job already printed, acknowledging duplicate")
		a.ack(wire.AckMessage{ID: id, Status: wire.AckDuplicate})
		return
	}

	if err := a.print(ctx, msg, copies, printerName); err != nil {
		logger.WithError(err).Error("print failed")
		a.fail(id, msg, err)
		return
	}

	if err := a.dedup.Mark(ctx, id); err != nil {
		logger.WithError(err).Error("failed to persist printed job")
	}
	logger.WithField("copies", copies).Info("job printed")
	a.ack(wire.AckMessage{ID: id, Status: wire.AckPrinted, Printer: printerName, Copies: copies})
	a.status(wire.StatusMessage{Status: wire.StatusPrintOK, JobID: id, TicketID: msg.TicketID})
}

func (a *Agent) print(ctx context.Context, msg *wire.JobMessage, copies int, printerName string) error {
	path, err := a.fetcher.Fetch(ctx, msg)
	if err != nil {
		return err
	}
	defer os.Remove(path)

	return a.printer.Print(ctx, path, copies, printerName)
}

// fail reports a job that was not printed. Nothing is recorded in dedup, so
// the job stays retryable.
func (a *Agent) fail(id string, msg *wire.JobMessage, err error) {
	a.ack(wire.AckMessage{ID: id, Status: wire.AckError, Error: err.Error()})
	a.status(wire.StatusMessage{Status: wire.StatusPrintError, JobID: id, TicketID: msg.TicketID, Error: err.Error()})
}

func (a *Agent) ack(msg wire.AckMessage) {
	msg.TS = a.now().UTC()
	if err := a.publisher.Publish(a.topics.Acks(), msg); err != nil {
		a.logger.WithError(err).WithField("job_id", msg.ID).Error("failed to publish ack")
	}
}

func (a *Agent) status(msg wire.StatusMessage) {
	msg.MachineID = a.config.MachineID
	msg.TS = a.now().UTC()
	if err := a.publisher.Publish(a.topics.Status(), msg); err != nil {
		a.logger.WithError(err).Error("failed to publish status")
	}
}
