package main

import (
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/lowbitml/lowbit/internal/logger"
)

var (
	threshold float64
	workers   int64
	logLevel  string
	logFormat string
	debug     bool
)

func commonEngineFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Float64Flag{
			Name:        "threshold",
			Aliases:     []string{"t"},
			Usage:       "outlier threshold in input units (0 disables decomposition)",
			Value:       6.0,
			Destination: &threshold,
		},
		&cli.Int64Flag{
			Name:        "workers",
			Usage:       "goroutines for the float correction pass (0 = GOMAXPROCS)",
			Destination: &workers,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

// setupLogger builds the process logger from the logging flags. Call it at
// the top of every command action, after config defaults were applied.
func setupLogger() logger.Logger {
	level := logger.ParseLevel(logLevel)
	if debug {
		level = slog.LevelDebug
	}
	return logger.Setup(os.Stderr, level, logFormat)
}
