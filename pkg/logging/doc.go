// Package logging provides structured logging configuration for webd.
//
// This package wraps log/slog so every component logs the same way. It
// supports configurable levels and text or JSON output.
//
// # Usage
//
//	logger := logging.New(logging.Config{
//	    Level:  logging.LevelInfo,
//	    Format: logging.FormatText,
//	})
//
//	logger.Info("listening", "addr", "0.0.0.0:8080")
//	logger.Error("cgi spawn failed", "error", err)
//
// # Access logs
//
// The engine writes one record per finished request. To keep those records
// in a file as well as on stderr, combine handlers:
//
//	fileHandler, closer, err := logging.OpenFile("access.log", logging.LevelInfo)
//	access := slog.New(logging.NewMultiHandler(logger.Handler(), fileHandler))
//
// # Integration
//
// Components accept a *slog.Logger through a WithLogger option. When none is
// provided they use logging.Nop().
package logging
