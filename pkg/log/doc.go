/*
Package log provides structured logging for the worker daemon using zerolog.

A single global Logger is initialized once via Init and used throughout
the process. Call sites that want to tag every line of a scope with a
field use one of the With* helpers rather than repeating .Str() calls:

	log.WithJobID(job.ID).Info().Msg("worker claimed job")
	log.WithWorkerID(workerID).Info().Msg("healthz/readyz/metrics endpoints listening")
	log.WithStage(job.ID, "execute").Warn().Err(err).Msg("stage failed")

# Configuration

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true, // JSON in production, console output in development
	})

JSONOutput false renders a human-readable console format with colorized
levels, meant for local development; true renders newline-delimited JSON
suitable for ingestion by a log aggregator.

# Secrets

This package never redacts anything itself: callers that log text
derived from a job's environment (command output, error messages) must
scrub it first, typically through pkg/secretredact, before it reaches a
log call.
*/
package log
