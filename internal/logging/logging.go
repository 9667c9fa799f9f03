package logging

import (
	"io"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/orrn/weighprint/internal/config"
)

// New builds a logger from the logging section. Unknown levels fall back to info.
func New(cfg config.LoggingConfig, out io.Writer) *log.Logger {
	if out == nil {
		out = os.Stdout
	}

	logger := log.New()
	logger.SetOutput(out)

	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		level = log.InfoLevel
	}
	logger.SetLevel(level)

	switch cfg.Format {
	case "text":
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "plain":
		logger.SetFormatter(&log.TextFormatter{DisableColors: true, DisableTimestamp: true})
	default:
		logger.SetFormatter(&log.JSONFormatter{})
	}

	return logger
}
