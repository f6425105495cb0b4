package logging

import (
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/bilbercode/lykyn-sync/internal/config"
)

// Configure applies the logging section to the standard logrus logger,
// which every package logs through.
func Configure(cfg config.LoggingConfig) {
	ConfigureLogger(log.StandardLogger(), cfg, os.Stderr)
}

func ConfigureLogger(logger *log.Logger, cfg config.LoggingConfig, out io.Writer) {
	logger.SetOutput(out)
	logger.SetLevel(parseLevel(cfg.Level))

	switch strings.ToLower(cfg.Format) {
	case "json":
		logger.SetFormatter(&log.JSONFormatter{})
	default:
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

// parseLevel falls back to info for anything logrus does not recognise.
func parseLevel(level string) log.Level {
	lvl, err := log.ParseLevel(strings.ToLower(level))
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}
