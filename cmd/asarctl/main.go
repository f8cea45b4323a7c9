package main

import (
	"os"
	"time"

	"github.com/beam-cloud/asar/pkg/commands"
	"github.com/beam-cloud/asar/pkg/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if err := commands.RootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}

	metrics.LogMetricsSummary()
}
