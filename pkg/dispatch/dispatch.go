// Package dispatch implements the Result Dispatcher: it parses Engine
// Worker events, applies the confidence gate, runs text
// post-processing, and emits keystrokes.
package dispatch

import (
	"sync"
	"time"

	"github.com/talkie-dev/talkie/pkg/engine"
	"github.com/talkie-dev/talkie/pkg/guisink"
	"github.com/talkie-dev/talkie/pkg/keystroke"
	"github.com/talkie-dev/talkie/pkg/logging"
	"github.com/talkie-dev/talkie/pkg/postprocess"
	"github.com/talkie-dev/talkie/pkg/vad"
)

// GateParams bundles the confidence-gate tunables from Config that
// Accept needs, snapshotted once per Final.
type GateParams struct {
	BaseThreshold        float64
	SpeechMinMultiplier  float64
	SpeechMaxMultiplier  float64
	MaxConfidencePenalty float64
}

// FatalHandler is invoked when the Engine Worker reports a fatal
// failure; the pipeline supplies this to trigger UI surfacing and
// refuse further engine use until re-init.
type FatalHandler func(err error)

// Dispatcher is driven by feeding it engine.Events in the order the
// Engine Worker produced them; partials for a given utterance never
// arrive after that utterance's final.
type Dispatcher struct {
	threshold *vad.Controller
	gate      func() GateParams
	energy    func() float64

	keystrokes keystroke.Sink
	gui        guisink.Sink
	log        logging.Logger
	onFatal    FatalHandler

	// tooShortMarks carries one bool per FinalAsync request the Audio
	// Worker issued, in the same order, so the Dispatcher knows whether
	// the Final it is about to receive belongs to an utterance the
	// state machine already flagged as too short; such a Final is
	// discarded entirely, not just its keystrokes.
	tooShortMarks <-chan bool

	// mu guards textState and lastPartial: Handle runs on the dispatch
	// loop's goroutine while ResetTextState is called from the Control
	// Plane's on a start edge.
	mu          sync.Mutex
	textState   postprocess.State
	lastPartial time.Time
}

// partialInterval throttles partial-text publication to ~5Hz.
const partialInterval = 200 * time.Millisecond

// New constructs a Dispatcher. gate and energy are called once per Final
// to snapshot the current dynamic confidence-gate parameters and the
// most recent chunk energy, respectively; tooShortMarks is fed by the
// pipeline in lockstep with FinalAsync requests.
func New(
	threshold *vad.Controller,
	gate func() GateParams,
	energy func() float64,
	tooShortMarks <-chan bool,
	keystrokes keystroke.Sink,
	gui guisink.Sink,
	onFatal FatalHandler,
	log logging.Logger,
) *Dispatcher {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	if gui == nil {
		gui = guisink.NoOpSink{}
	}
	return &Dispatcher{
		threshold:     threshold,
		gate:          gate,
		energy:        energy,
		keystrokes:    keystrokes,
		gui:           gui,
		log:           log,
		onFatal:       onFatal,
		tooShortMarks: tooShortMarks,
	}
}

// Handle processes one engine.Event. It never blocks on anything but the
// keystroke sink: a Final reads its too-short mark without waiting (the
// pipeline queues the mark before requesting the Final) and treats a
// missing mark as not too short.
func (d *Dispatcher) Handle(ev engine.Event) {
	switch {
	case ev.Fatal != nil:
		d.log.Error("engine fatal", "error", ev.Fatal)
		if d.onFatal != nil {
			d.onFatal(ev.Fatal)
		}
		return

	case ev.Transient != nil:
		d.log.Warn("recognition transient error, dropping chunk", "error", ev.Transient)
		return

	case ev.Result.IsPartial():
		d.mu.Lock()
		now := time.Now()
		publish := now.Sub(d.lastPartial) >= partialInterval
		if publish {
			d.lastPartial = now
		}
		d.mu.Unlock()
		if publish {
			d.gui.SetPartial(ev.Result.Partial)
		}
		return

	case ev.Result.IsFinal():
		d.handleFinal(ev.Result)
	}
}

func (d *Dispatcher) handleFinal(res engine.Result) {
	tooShort := false
	select {
	case tooShort = <-d.tooShortMarks:
	default:
		// No mark waiting: treat as not-too-short rather than blocking
		// forever, since a missing mark means the pipeline never
		// intended this Final to be gated (e.g. construction-time
		// tests driving the Dispatcher directly).
	}
	if tooShort {
		d.log.Debug("discarding final: utterance too short")
		return
	}

	best, ok := res.Best()
	if !ok || best.Text == "" {
		return
	}

	params := d.gate()
	currentEnergy := 0.0
	if d.energy != nil {
		currentEnergy = d.energy()
	}
	if !d.threshold.Accept(best.Confidence, currentEnergy, params.BaseThreshold, params.SpeechMinMultiplier, params.SpeechMaxMultiplier, params.MaxConfidencePenalty) {
		d.log.Debug("discarding final: below confidence gate", "confidence", best.Confidence)
		return
	}

	d.mu.Lock()
	text, next := postprocess.Process(best.Text, d.textState)
	d.textState = next
	d.mu.Unlock()
	if text == "" {
		return
	}

	if err := d.keystrokes.Type(text); err != nil {
		d.log.Warn("keystroke sink error", "error", err)
	}
	d.gui.AppendFinal(text, best.Confidence)
}

// ResetTextState clears the leading-space tracking (and the partial
// throttle), used when the Control Plane starts a fresh transcription
// session.
func (d *Dispatcher) ResetTextState() {
	d.mu.Lock()
	d.textState = postprocess.State{}
	d.lastPartial = time.Time{}
	d.mu.Unlock()
}
