package dispatch

import (
	"testing"

	"github.com/talkie-dev/talkie/pkg/engine"
	"github.com/talkie-dev/talkie/pkg/postprocess"
	"github.com/talkie-dev/talkie/pkg/vad"
)

// fakeKeystrokeSink is a minimal, test-only keystroke.Sink that records
// every typed string, mirroring engine.fakeRecognizer's role for the
// Engine Worker tests.
type fakeKeystrokeSink struct {
	typed []string
}

func (f *fakeKeystrokeSink) Type(text string) error {
	f.typed = append(f.typed, text)
	return nil
}

// fakeGUISink is a minimal, test-only guisink.Sink that records every
// call of each kind.
type fakeGUISink struct {
	partials []string
	finals   []string
	energies []float64
}

func (f *fakeGUISink) SetPartial(text string)             { f.partials = append(f.partials, text) }
func (f *fakeGUISink) AppendFinal(text string, _ float64) { f.finals = append(f.finals, text) }
func (f *fakeGUISink) SetEnergy(energy float64)           { f.energies = append(f.energies, energy) }

func finalResult(text string, confidence float64) engine.Result {
	return engine.Result{Alternatives: []engine.Alternative{{Text: text, Confidence: confidence}}}
}

func gateParams() GateParams {
	return GateParams{
		BaseThreshold:        200,
		SpeechMinMultiplier:  1,
		SpeechMaxMultiplier:  2,
		MaxConfidencePenalty: 50,
	}
}

func newTestDispatcher(marks chan bool, keystrokes *fakeKeystrokeSink, gui *fakeGUISink) *Dispatcher {
	return New(
		vad.NewController(10, 70),
		gateParams,
		func() float64 { return 0 },
		marks,
		keystrokes,
		gui,
		nil,
		nil,
	)
}

// A Final belonging to an utterance the state machine already flagged
// as too short is discarded entirely, typing nothing.
func TestDispatcher_TooShortFinalIsDiscarded(t *testing.T) {
	marks := make(chan bool, 1)
	marks <- true
	keystrokes := &fakeKeystrokeSink{}
	gui := &fakeGUISink{}
	d := newTestDispatcher(marks, keystrokes, gui)

	d.Handle(engine.Event{Result: finalResult("hello world", 1000)})

	if len(keystrokes.typed) != 0 {
		t.Fatalf("expected no keystrokes for a too-short final, got %v", keystrokes.typed)
	}
	if len(gui.finals) != 0 {
		t.Fatalf("expected no GUI final for a too-short final, got %v", gui.finals)
	}
}

// A Final whose confidence falls below the dynamic gate is discarded
// without typing anything.
func TestDispatcher_SubThresholdConfidenceIsDiscarded(t *testing.T) {
	marks := make(chan bool, 1)
	marks <- false
	keystrokes := &fakeKeystrokeSink{}
	gui := &fakeGUISink{}
	d := newTestDispatcher(marks, keystrokes, gui)

	// The controller starts uncalibrated, so Accept falls back to a
	// plain confidence >= baseThreshold check; 50 < 200 fails it.
	d.Handle(engine.Event{Result: finalResult("hello world", 50)})

	if len(keystrokes.typed) != 0 {
		t.Fatalf("expected no keystrokes for a sub-threshold final, got %v", keystrokes.typed)
	}
}

// An accepted Final's typed text equals the post-processor's output
// for the same best-alternative text.
func TestDispatcher_AcceptedFinalTypesPostProcessedText(t *testing.T) {
	marks := make(chan bool, 1)
	marks <- false
	keystrokes := &fakeKeystrokeSink{}
	gui := &fakeGUISink{}
	d := newTestDispatcher(marks, keystrokes, gui)

	d.Handle(engine.Event{Result: finalResult("hello period new line world", 1000)})

	want, _ := postprocess.Process("hello period new line world", postprocess.State{})
	if len(keystrokes.typed) != 1 || keystrokes.typed[0] != want {
		t.Fatalf("typed = %v, want [%q]", keystrokes.typed, want)
	}
	if len(gui.finals) != 1 || gui.finals[0] != want {
		t.Fatalf("gui.finals = %v, want [%q]", gui.finals, want)
	}
}

// Partial results are forwarded to the GUI sink only, never typed.
func TestDispatcher_PartialGoesToGUIOnly(t *testing.T) {
	marks := make(chan bool, 1)
	keystrokes := &fakeKeystrokeSink{}
	gui := &fakeGUISink{}
	d := newTestDispatcher(marks, keystrokes, gui)

	d.Handle(engine.Event{Result: engine.Result{Partial: "hello"}})

	if len(keystrokes.typed) != 0 {
		t.Fatalf("expected no keystrokes from a partial, got %v", keystrokes.typed)
	}
	if len(gui.partials) != 1 || gui.partials[0] != "hello" {
		t.Fatalf("gui.partials = %v, want [\"hello\"]", gui.partials)
	}
}

// Partial publication is throttled to ~5Hz; back-to-back partials
// within the throttle window collapse to the first one.
func TestDispatcher_PartialsAreThrottled(t *testing.T) {
	marks := make(chan bool, 1)
	keystrokes := &fakeKeystrokeSink{}
	gui := &fakeGUISink{}
	d := newTestDispatcher(marks, keystrokes, gui)

	d.Handle(engine.Event{Result: engine.Result{Partial: "he"}})
	d.Handle(engine.Event{Result: engine.Result{Partial: "hel"}})
	d.Handle(engine.Event{Result: engine.Result{Partial: "hell"}})

	if len(gui.partials) != 1 || gui.partials[0] != "he" {
		t.Fatalf("expected only the first partial within the throttle window, got %v", gui.partials)
	}
}

// ResetTextState clears the leading-space tracking between
// transcription sessions.
func TestDispatcher_ResetTextStateClearsLeadingSpace(t *testing.T) {
	marks := make(chan bool, 2)
	marks <- false
	marks <- false
	keystrokes := &fakeKeystrokeSink{}
	gui := &fakeGUISink{}
	d := newTestDispatcher(marks, keystrokes, gui)

	d.Handle(engine.Event{Result: finalResult("hello", 1000)})
	d.ResetTextState()
	d.Handle(engine.Event{Result: finalResult("world", 1000)})

	if len(keystrokes.typed) != 2 {
		t.Fatalf("expected two typed finals, got %v", keystrokes.typed)
	}
	if keystrokes.typed[1] != "World" {
		t.Fatalf("expected no leading space after ResetTextState, got %q", keystrokes.typed[1])
	}
}

// A fatal event invokes the supplied handler and types nothing.
func TestDispatcher_FatalInvokesHandler(t *testing.T) {
	marks := make(chan bool, 1)
	keystrokes := &fakeKeystrokeSink{}
	gui := &fakeGUISink{}

	var gotErr error
	d := New(
		vad.NewController(10, 70),
		gateParams,
		func() float64 { return 0 },
		marks,
		keystrokes,
		gui,
		func(err error) { gotErr = err },
		nil,
	)

	d.Handle(engine.Event{Fatal: engine.ErrFatal})

	if gotErr != engine.ErrFatal {
		t.Fatalf("onFatal called with %v, want %v", gotErr, engine.ErrFatal)
	}
	if len(keystrokes.typed) != 0 {
		t.Fatalf("expected no keystrokes on a fatal event, got %v", keystrokes.typed)
	}
}
