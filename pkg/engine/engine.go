// Package engine implements the Recognizer Handle abstraction and the
// Engine Worker that owns it. Exactly one goroutine ever touches a
// Recognizer: the Worker's run loop.
package engine

import "errors"

var (
	// ErrFatal marks a Recognizer that has suffered an unrecoverable
	// failure (child death, protocol framing error) and must be torn
	// down and rebuilt before further use.
	ErrFatal = errors.New("engine: fatal recognizer failure")

	// ErrClosed is returned by operations attempted after Close.
	ErrClosed = errors.New("engine: recognizer closed")

	// ErrStartupTimeout is returned when a coprocess engine does not
	// acknowledge its MODEL command within the bounded startup window.
	ErrStartupTimeout = errors.New("engine: coprocess startup timed out waiting for ack")
)

// Alternative is one scored transcription candidate, mirroring
// wireproto.Alternative so callers outside this package don't need to
// import the wire layer for the common case.
type Alternative struct {
	Text       string
	Confidence float64
}

// Result is a tagged recognition result: either a Partial (ongoing
// hypothesis) or a Final (committed alternatives list, best guess
// first).
type Result struct {
	Partial      string
	Alternatives []Alternative // non-nil only for a Final
}

// IsPartial reports whether this Result is an interim hypothesis.
func (r Result) IsPartial() bool { return r.Alternatives == nil }

// IsFinal reports whether this Result is a committed hypothesis.
func (r Result) IsFinal() bool { return r.Alternatives != nil }

// Best returns the top alternative of a Final result, or the zero value
// and false if there is none.
func (r Result) Best() (Alternative, bool) {
	if len(r.Alternatives) == 0 {
		return Alternative{}, false
	}
	return r.Alternatives[0], true
}

// Recognizer is the capability set every recognizer variant implements:
// process, final, reset, and close behind one polymorphic handle. It is
// only ever called from the Engine Worker's goroutine.
type Recognizer interface {
	// Process feeds one PCM chunk and returns whatever hypothesis the
	// recognizer chooses to emit now: a Partial, a Final, or nothing
	// yet, reported via ok.
	Process(chunk []byte) (res Result, ok bool, err error)
	// Final forces the current segment to close and returns its Final
	// result.
	Final() (Result, error)
	// Reset clears any in-progress segment state without closing the
	// handle.
	Reset() error
	// Close releases the recognizer's resources. Safe to call once.
	Close() error
}

// Factory builds a Recognizer for a given model path. One is chosen
// per speech_engine value; the Engine Worker calls this
// on its own goroutine so native libraries that pin state to the
// creating thread behave correctly.
type Factory func(modelPath string) (Recognizer, error)
