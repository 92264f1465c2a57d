// Package logging builds the structured loggers used across scriptbridge.
//
// It wraps log/slog so every component logs the same way:
//
//	logger := logging.New(logging.Config{
//	    Level:  logging.LevelInfo,
//	    Format: logging.FormatJSON,
//	})
//
//	logger.Info("listening", "addr", srv.Addr())
//
// Components accept a *slog.Logger through a WithLogger option and fall back
// to Nop when none is given. Set Config.File to tee every record into an
// append-only file as well as Output.
package logging
