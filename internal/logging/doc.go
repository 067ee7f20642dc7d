// Package logging provides the daemon's structured logging front: slog
// loggers keyed by module name with independently adjustable levels,
// writing to stdout (text or json) and, when running under systemd, to
// the journal.
package logging
