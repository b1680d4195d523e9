// Package guisink defines the GUI Sink contract: three one-way
// channels invoked from the Result Dispatcher and Audio Worker at
// ≤5Hz. The widget tree itself lives outside the core pipeline; this
// package only specifies the contract plus a no-op default.
package guisink

// Sink receives posted updates from the pipeline's worker goroutines.
// Implementations must not block and must be safe to call from any
// goroutine, since SetEnergy is called from the Audio Worker while
// SetPartial/AppendFinal are called from the Result Dispatcher.
type Sink interface {
	// SetPartial publishes the current partial-text hypothesis,
	// throttled to ~5Hz by the caller.
	SetPartial(text string)
	// AppendFinal publishes an accepted, post-processed Final along
	// with the confidence the engine reported for it. Implementations
	// attach their own wall-clock timestamp at the point they receive
	// the call.
	AppendFinal(text string, confidence float64)
	// SetEnergy publishes the current chunk's energy for a live level
	// meter.
	SetEnergy(energy float64)
}

// NoOpSink discards every update. Useful as a default when no GUI is
// attached (e.g. headless/CLI-only operation) and in tests.
type NoOpSink struct{}

func (NoOpSink) SetPartial(string)           {}
func (NoOpSink) AppendFinal(string, float64) {}
func (NoOpSink) SetEnergy(float64)           {}
