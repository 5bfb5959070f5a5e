// Package logging assembles structured slog loggers and formatting helpers used
// across the orchestration daemon and CLI.
//
// It owns the configurable console/JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so controller code can tag log
// lines with pipeline IDs, stage names, and correlation IDs automatically. When
// a log file is configured, records are teed to it as JSON regardless of the
// console format. A no-op logger is provided for tests and wiring code.
package logging
