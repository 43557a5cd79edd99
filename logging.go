package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// configureLogging points the global logger at stderr. Stdout is reserved
// for the stdio transport.
func configureLogging(cfg *logConfig) error {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}

	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger().Level(level)
	if !cfg.JSON {
		log.Logger = log.Output(zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
			w.Out = os.Stderr
		}))
	}

	zerolog.DefaultContextLogger = &log.Logger
	return nil
}
