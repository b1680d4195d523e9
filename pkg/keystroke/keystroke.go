// Package keystroke defines the Keystroke Sink contract: an external
// collaborator that injects Unicode text as synthetic key events into
// whatever window currently has focus. The uinput-or-equivalent driver
// itself belongs to the platform integration layer; this package only
// specifies the contract plus a logging default.
package keystroke

import "github.com/talkie-dev/talkie/pkg/logging"

// Sink types Unicode text into the focused window. Implementations are
// expected to return promptly; failures are logged only.
type Sink interface {
	Type(text string) error
}

// LoggingSink is the default Sink: it has no real injection backend,
// so it logs what it would have typed. A real driver-backed Sink is
// expected to be supplied by the platform integration layer that wires
// Talkie's core pipeline to a window system.
type LoggingSink struct {
	log  logging.Logger
	warn bool
}

// NewLoggingSink returns a Sink that logs each non-empty text at Info
// level, after a one-time Warn that no driver is configured.
func NewLoggingSink(log logging.Logger) *LoggingSink {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	return &LoggingSink{log: log}
}

// Type logs the text it was asked to inject. It never fails: a real
// driver-backed Sink is the one that can surface a device-not-writable
// error, which this stub has no way to produce.
func (s *LoggingSink) Type(text string) error {
	if text == "" {
		return nil
	}
	if !s.warn {
		s.warn = true
		s.log.Warn("no keystroke driver configured; typing is logged only")
	}
	s.log.Info("keystroke sink: type", "text", text)
	return nil
}
