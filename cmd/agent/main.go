package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/orrn/weighprint/internal/agent"
	"github.com/orrn/weighprint/internal/bus"
	"github.com/orrn/weighprint/internal/config"
	"github.com/orrn/weighprint/internal/db"
	"github.com/orrn/weighprint/internal/dedup"
	"github.com/orrn/weighprint/internal/logging"
	"github.com/orrn/weighprint/internal/scale"
	"github.com/orrn/weighprint/internal/wire"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	noScale := flag.Bool("no-scale", false, "run the print agent without the serial scale reader")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, !*noScale, logger); err != nil {
		logger.WithError(err).Fatal("agent stopped with error")
	}
	logger.Info("agent stopped")
}

func run(ctx context.Context, cfg *config.Config, withScale bool, logger *log.Logger) error {
	ac := cfg.Agent
	topics := wire.Topics{Prefix: cfg.MQTT.BaseTopic, MachineID: ac.MachineID}

	spool := filepath.Join(ac.DataDir, "spool")
	if err := os.MkdirAll(spool, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	sqlDB, err := db.Open(filepath.Join(ac.DataDir, "agent.db"), db.AgentMigrations)
	if err != nil {
		return fmt.Errorf("sqlite: %w", err)
	}
	defer sqlDB.Close()

	printed := dedup.New(db.NewPrintedJobs(sqlDB), ac.Dedup.TTL, logger)
	if err := printed.Load(ctx); err != nil {
		logger.WithError(err).Warn("failed to warm dedup cache, lookups fall through to the durable table")
	}

	var printer agent.Printer
	switch ac.Print.Backend {
	case "raw":
		printer = agent.NewRawPrinter(ac.Print.RawAddress, 0)
	default:
		printer = agent.NewCommandPrinter(ac.Print.Command)
	}

	clientID := cfg.MQTT.ClientID
	if clientID == "" {
		clientID = "weighprint-agent-" + ac.MachineID
	}
	conn := bus.New(bus.Options{
		Broker:         cfg.MQTT.Broker(),
		ClientID:       clientID,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		QoS:            cfg.MQTT.QoS,
		ConnectTimeout: cfg.MQTT.ConnectTimeout,
		PublishTimeout: cfg.MQTT.PublishTimeout,
		MaxInFlight:    cfg.MQTT.MaxInFlight,
		Will: &bus.Will{
			Topic:    topics.Status(),
			Payload:  wire.StatusOffline,
			Retained: true,
		},
		OnConnect: func(p bus.Publisher) {
			if err := p.PublishRetained(topics.Status(), wire.StatusOnline); err != nil {
				logger.WithError(err).Warn("failed to announce online status")
			}
		},
	}, logger)

	a := agent.New(agent.Config{
		MachineID:     ac.MachineID,
		BaseTopic:     cfg.MQTT.BaseTopic,
		PrinterName:   ac.Print.PrinterName,
		CopiesDefault: ac.Print.CopiesDefault,
	}, printed, agent.NewFetcher(spool, ac.Print.DownloadTimeout), printer, conn, logger)

	if err := conn.Subscribe(topics.Jobs(), a.HandleJob); err != nil {
		return err
	}
	defer conn.Close(topics.Status(), wire.StatusOffline)
	if err := conn.Start(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	logger.WithFields(log.Fields{
		"machine_id": ac.MachineID,
		"backend":    ac.Print.Backend,
		"scale":      withScale,
	}).Info("agent started")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return printed.Run(gctx, ac.Dedup.PruneInterval)
	})

	if withScale {
		reader := scale.NewReader(
			scale.SerialOpener(ac.Serial),
			scale.NewDetector(scale.Settings(ac.Stability)),
			conn,
			topics,
			ac.Unit,
			logger,
		)
		g.Go(func() error {
			return reader.Run(gctx)
		})
	}

	return g.Wait()
}
