// Package logging provides the Logger interface used across Talkie's
// pipeline and a default implementation backed by charmbracelet/log.
package logging

import (
	"os"

	charmlog "github.com/charmbracelet/log"
)

// Logger is implemented by anything that can record leveled, structured
// messages. Components accept this interface rather than a concrete type
// so tests can inject NoOpLogger or a recording stub.
type Logger interface {
	Debug(msg string, keyvals ...interface{})
	Info(msg string, keyvals ...interface{})
	Warn(msg string, keyvals ...interface{})
	Error(msg string, keyvals ...interface{})
}

// NoOpLogger discards everything. Useful as a default in library code and
// in tests that don't care about log output.
type NoOpLogger struct{}

func (NoOpLogger) Debug(string, ...interface{}) {}
func (NoOpLogger) Info(string, ...interface{})  {}
func (NoOpLogger) Warn(string, ...interface{})  {}
func (NoOpLogger) Error(string, ...interface{}) {}

// charmLogger adapts *charmlog.Logger to the Logger interface.
type charmLogger struct {
	l *charmlog.Logger
}

// New returns a Logger backed by charmbracelet/log, writing to stderr at
// the given level ("debug", "info", "warn", "error").
func New(level string) Logger {
	l := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05",
	})
	l.SetLevel(parseLevel(level))
	return &charmLogger{l: l}
}

func parseLevel(level string) charmlog.Level {
	lvl, err := charmlog.ParseLevel(level)
	if err != nil {
		return charmlog.InfoLevel
	}
	return lvl
}

func (c *charmLogger) Debug(msg string, keyvals ...interface{}) { c.l.Debug(msg, keyvals...) }
func (c *charmLogger) Info(msg string, keyvals ...interface{})  { c.l.Info(msg, keyvals...) }
func (c *charmLogger) Warn(msg string, keyvals ...interface{})  { c.l.Warn(msg, keyvals...) }
func (c *charmLogger) Error(msg string, keyvals ...interface{}) { c.l.Error(msg, keyvals...) }
