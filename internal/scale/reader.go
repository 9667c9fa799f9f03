package scale

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/orrn/weighprint/internal/bus"
	"github.com/orrn/weighprint/internal/config"
	"github.com/orrn/weighprint/internal/wire"
)

// Opener opens the line source, normally the serial port.
type Opener func() (io.ReadCloser, error)

// SerialOpener returns an Opener for the configured port.
func SerialOpener(cfg config.SerialConfig) Opener {
	return func() (io.ReadCloser, error) {
		mode := &serial.Mode{
			BaudRate: cfg.BaudRate,
			DataBits: cfg.DataBits,
			Parity:   parity(cfg.Parity),
			StopBits: serial.OneStopBit,
		}
		if cfg.StopBits == 2 {
			mode.StopBits = serial.TwoStopBits
		}
		port, err := serial.Open(cfg.Port, mode)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", cfg.Port, err)
		}
		return port, nil
	}
}

func parity(name string) serial.Parity {
	switch name {
	case "odd":
		return serial.OddParity
	case "even":
		return serial.EvenParity
	case "mark":
		return serial.MarkParity
	case "space":
		return serial.SpaceParity
	default:
		return serial.NoParity
	}
}

// Reader pumps indicator lines through the detector and publishes the
// raw and settled events.
type Reader struct {
	open       Opener
	detector   *Detector
	publisher  bus.Publisher
	topics     wire.Topics
	unit       string
	retryDelay time.Duration
	now        func() time.Time
	logger     log.FieldLogger
}

func NewReader(open Opener, detector *Detector, publisher bus.Publisher, topics wire.Topics, unit string, logger log.FieldLogger) *Reader {
	return &Reader{
		open:       open,
		detector:   detector,
		publisher:  publisher,
		topics:     topics,
		unit:       unit,
		retryDelay: 5 * time.Second,
		now:        time.Now,
		logger:     logger.WithField("component", "scale"),
	}
}

// Run reads until ctx is cancelled, reopening the port after failures.
func (r *Reader) Run(ctx context.Context) error {
	for {
		err := r.readOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		r.logger.WithError(err).Warn("serial closed, reopening")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.retryDelay):
		}
	}
}

func (r *Reader) readOnce(ctx context.Context) error {
	port, err := r.open()
	if err != nil {
		return err
	}
	r.logger.Info("serial opened")

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			port.Close()
		case <-done:
		}
	}()
	defer port.Close()

	scanner := bufio.NewScanner(port)
	for scanner.Scan() {
		r.HandleLine(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}

// HandleLine processes one indicator line. Unparsable lines are dropped.
func (r *Reader) HandleLine(line string) {
	r.logger.WithField("line", line).Debug("serial rx")

	value, ok := ParseWeightLine(line)
	if !ok {
		return
	}

	now := r.now()
	obs := r.detector.Observe(value, now)

	if err := r.publisher.Publish(r.topics.Weight(), wire.WeightMessage{
		Value:  value,
		Unit:   r.unit,
		Stable: obs.InBand,
		TS:     now.UTC(),
	}); err != nil {
		r.logger.WithError(err).Warn("failed to publish weight")
	}

	if !obs.Settled {
		return
	}

	if err := r.publisher.Publish(r.topics.Stable(), wire.StableMessage{
		Value: value,
		Unit:  r.unit,
		TS:    now.UTC(),
	}); err != nil {
		r.logger.WithError(err).Warn("failed to publish stable weight")
		return
	}
	r.logger.WithFields(log.Fields{"value": value, "unit": r.unit}).Info("stable weight")
}
