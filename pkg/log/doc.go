/*
Package log provides structured logging for the LBS server using zerolog.

A single package-level Logger (a no-op until Init runs) carries the level
and output format; packages derive child loggers tagged with their component
name, and the dispatcher derives per-connection loggers so one client's
lifecycle groups together in the output.

# Usage

Initializing the logger:

	log.Init(log.Config{
		Level:      "info",
		JSONOutput: true,
	})

Component loggers:

	queueLog := log.WithComponent("queue")
	queueLog.Info().Int("inflight", n).Msg("Queue drained")

Connection loggers:

	connLog := log.WithConnID(id)
	connLog.Debug().Uint64("blkno", blkno).Msg("GET dispatched")

# Integration Points

This package integrates with:

  - pkg/dispatch: per-connection request handling
  - pkg/deleteto: deletion progress and fatal KV failures
  - pkg/queue: rate-limiting transitions and retries
  - pkg/storage: nextblk recovery
  - pkg/serverpool: endpoint resolution
*/
package log
