// Package logging builds the log/slog loggers used across faultd.
//
// Every component takes a *slog.Logger in its constructor or options and
// falls back to Nop when none is given:
//
//	logger, err := logging.New(logging.Config{
//	    Level:  logging.LevelDebug,
//	    Format: logging.FormatJSON,
//	})
//
// Level and format names come from configuration files and flags through
// ParseLevel and ParseFormat, which reject unknown names.
package logging
