/*
Package log provides structured logging for Quartz using zerolog.

It wraps a single global zerolog.Logger with component- and entity-
scoped child loggers, so every log line from ctld, agentd, and their
packages carries consistent fields without each call site building its
own zerolog.Context.

# Initialization

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Init configures the global Logger once at process start. JSONOutput
selects JSON (production) versus a human-readable console writer
(local development); Output defaults to os.Stdout when nil.

# Component loggers

	schedLog := log.WithComponent("scheduler")
	schedLog.Info().Msg("scheduling cycle started")

	nodeLog := log.WithNodeID("node-1")
	jobLog := log.WithJobID("42")
	stepLog := log.WithStepID("42.0")

WithComponent tags every line from a package with its name (the
controller's scheduler, statemachine, and reconciler each get their
own); WithNodeID, WithJobID, and WithStepID attach the entity a log
line concerns, matching the identifiers used in wire messages and the
resource table.

# Package-level helpers

Info, Debug, Warn, Error, Errorf, and Fatal write directly through the
global Logger for call sites that don't need a scoped child logger.
Fatal calls os.Exit(1) after logging and should only be used for
unrecoverable startup failures.
*/
package log
