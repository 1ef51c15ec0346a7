// Package logger builds the structured slog loggers of the master and worker
// processes, with the level, source and output format taken from the
// configuration.
package logger
