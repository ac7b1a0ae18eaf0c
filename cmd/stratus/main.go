package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/stratus-iac/stratus/cmd/stratus/commands"
	"github.com/stratus-iac/stratus/pkg/engine"
	"github.com/stratus-iac/stratus/pkg/state"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("received interrupt signal, shutting down")
		cancel()
	}()

	if err := commands.Execute(ctx, Version, Commit, BuildDate); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode maps error classes to process exit codes so scripts can react
// to the failure mode: 2 configuration, 3 provider, 4 lock contention,
// 5 state corruption, 1 anything else.
func exitCode(err error) int {
	if errors.Is(err, commands.ErrDriftDetected) {
		return 1
	}
	log.Error().Err(err).Msg("command failed")
	switch {
	case engine.IsConfiguration(err):
		return 2
	case engine.IsTransient(err), engine.IsPermanent(err):
		return 3
	case engine.IsConflict(err):
		return 4
	case engine.IsCorruption(err), errors.Is(err, state.ErrCorrupt):
		return 5
	default:
		return 1
	}
}
