// Package logging provides structured logging with per-module levels.
//
// Every package asks for its own logger once:
//
//	logger := logging.GetLogger("orchestrator")
//	logger.Info("Model server ready", "run_id", id, "attempts", n)
//
// Loggers created before [Initialize] are cached and pick up the configured
// level when Initialize runs, because each module owns a [slog.LevelVar].
//
// Records fan out to every available sink:
//
//	stdout   text or JSON, when a terminal, pipe or file is attached
//	journald SYSLOG_IDENTIFIER=alterego, when the journal socket exists
//	buffer   in-memory ring replayed to /api/logs/stream subscribers
//
// Example TOML configuration:
//
//	[logging]
//	level = "info"
//	format = "text"
//
//	[logging.modules]
//	orchestrator = "debug"
//	modelserver = "warn"
//
// Journal queries:
//
//	journalctl -t alterego MODULE=orchestrator
//	journalctl -t alterego -p err --since "10m"
package logging
