// Package pipeline wires the Ring Transport, Capture Source, Audio
// Worker, Engine Worker, and Result Dispatcher into the running
// system. It owns thread topology: exactly one
// audio worker goroutine, exactly one engine worker goroutine (owned by
// engine.Worker itself), and a dispatch loop that runs on whichever
// goroutine calls Run.
package pipeline

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/talkie-dev/talkie/pkg/capture"
	"github.com/talkie-dev/talkie/pkg/config"
	"github.com/talkie-dev/talkie/pkg/dispatch"
	"github.com/talkie-dev/talkie/pkg/engine"
	"github.com/talkie-dev/talkie/pkg/guisink"
	"github.com/talkie-dev/talkie/pkg/keystroke"
	"github.com/talkie-dev/talkie/pkg/logging"
	"github.com/talkie-dev/talkie/pkg/ringbuf"
	"github.com/talkie-dev/talkie/pkg/utterance"
	"github.com/talkie-dev/talkie/pkg/vad"
)

// ringBytes sizes the Ring Transport generously above one chunk so a
// momentary Audio Worker stall doesn't immediately overflow it; New
// rounds this up to a power of two anyway.
const ringBytes = 1 << 20 // 1MiB, about 33 seconds of 16kHz mono S16LE

// stageTimings holds the raw measurements behind LatencyBreakdown.
type stageTimings struct {
	mu sync.Mutex

	speechOnset    time.Time
	lookbackFlush  time.Duration
	utteranceEnd   time.Time
	finalResult    time.Duration
	keystrokesDone time.Duration
}

// LatencyBreakdown holds per-stage timings, all in milliseconds.
type LatencyBreakdown struct {
	OnsetToLookbackFlushMS int64
	UtteranceEndToFinalMS  int64
	FinalToKeystrokesMS    int64
}

// HealthSnapshot surfaces the pipeline's error and overflow counters.
type HealthSnapshot struct {
	RingOverflows              uint64
	EngineQueueDrops           uint64
	RecognitionTransientErrors uint64
	LastEngineFatalError       string
}

// Pipeline owns the full signal chain from microphone to keystrokes. It
// is constructed once; when the configured speech engine or model
// changes, Reconfigure rebuilds only the Engine Worker and Dispatcher,
// and the Ring, Capture Source, and Control Plane are kept.
type Pipeline struct {
	cfg atomic.Pointer[config.Config]
	log logging.Logger

	ring       *ringbuf.Ring
	source     *capture.Source
	newFactory FactoryBuilder

	// stateMu guards threshold/edge/lookback/machine: normally touched
	// only by the Audio Worker goroutine, but also reached from
	// OnTranscribingEdge and Reconfigure, which run on the Control
	// Plane's goroutine.
	stateMu   sync.Mutex
	threshold *vad.Controller
	edge      *vad.EdgeDetector
	lookback  *utterance.Lookback
	machine   *utterance.Machine

	worker        *engine.Worker
	dispatcher    *dispatch.Dispatcher
	tooShortMarks chan bool

	keystrokes keystroke.Sink
	gui        guisink.Sink

	currentEnergy atomic.Uint64 // math.Float64bits

	transientErrors atomic.Uint64
	lastFatal       atomic.Pointer[string]

	timings stageTimings

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	workerMu sync.Mutex // guards worker/dispatcher/tooShortMarks swaps on rebuild
}

// FactoryBuilder builds a Recognizer Factory for the sample rate the
// capture device actually negotiated, which may differ from the
// configured one.
type FactoryBuilder func(sampleRate int) (engine.Factory, error)

// New constructs a Pipeline: it opens the Capture Source itself (so the
// Ring Transport it feeds is owned by, and sized by, this Pipeline) and
// builds the initial Engine Worker. cfg is the initial configuration
// snapshot; newFactory builds the Recognizer factory for the configured
// speech engine once the device's actual sample rate is known.
// keystrokes and gui may be nil, in which case LoggingSink and NoOpSink
// are used.
func New(cfg config.Config, newFactory FactoryBuilder, keystrokes keystroke.Sink, gui guisink.Sink, log logging.Logger) (*Pipeline, error) {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	if keystrokes == nil {
		keystrokes = keystroke.NewLoggingSink(log)
	}
	if gui == nil {
		gui = guisink.NoOpSink{}
	}

	ring := ringbuf.New(ringBytes)

	source, err := capture.Open(ring, cfg.SampleRate, cfg.FramesPerBuffer, cfg.Device, log)
	if err != nil {
		return nil, fmt.Errorf("pipeline: opening capture source: %w", err)
	}

	// The device may negotiate a different rate than requested; chunk
	// sizing and the recognizer both have to follow the rate the audio
	// actually arrives at.
	if negotiated := source.SampleRate(); negotiated != cfg.SampleRate {
		log.Info("capture device negotiated a different sample rate",
			"requested", cfg.SampleRate, "negotiated", negotiated)
		cfg.SampleRate = negotiated
	}

	p := &Pipeline{
		log:        log,
		ring:       ring,
		source:     source,
		newFactory: newFactory,
		threshold:  vad.NewController(cfg.NoiseFloorPercentile, cfg.SpeechFloorPercentile),
		edge:       vad.NewEdgeDetector(1),
		lookback:   utterance.NewLookback(lookbackCapacity(cfg)),
		machine:    utterance.NewMachine(cfg.SilenceSeconds, cfg.MinDuration),
		keystrokes: keystrokes,
		gui:        gui,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	p.cfg.Store(&cfg)

	if err := p.buildEngine(cfg); err != nil {
		source.Close()
		return nil, err
	}
	return p, nil
}

func lookbackCapacity(cfg config.Config) int {
	// Chunks arrive at ~10/sec (100ms each); see config.BytesPerChunk.
	n := int(cfg.LookbackSeconds*10 + 0.5)
	if n < 0 {
		n = 0
	}
	return n
}

// buildEngine constructs a fresh engine.Worker and Dispatcher for cfg,
// tearing down any previous worker first. Called at construction time
// and again from Reconfigure when speech_engine or the model path
// changes.
func (p *Pipeline) buildEngine(cfg config.Config) error {
	p.workerMu.Lock()
	defer p.workerMu.Unlock()

	if p.worker != nil {
		if err := p.worker.Close(); err != nil {
			p.log.Warn("pipeline: closing outgoing engine worker", "error", err)
		}
	}

	factory, err := p.newFactory(cfg.SampleRate)
	if err != nil {
		p.worker = nil
		p.dispatcher = nil
		p.tooShortMarks = nil
		return fmt.Errorf("pipeline: selecting speech engine: %w", err)
	}

	worker, err := engine.NewWorker(factory, cfg.EngineModelPath, p.log)
	if err != nil {
		// The outgoing worker is already closed; leave the pipeline
		// engine-less rather than pointing at a dead worker. The dispatch
		// loop idles until a later Reconfigure succeeds.
		p.worker = nil
		p.dispatcher = nil
		p.tooShortMarks = nil
		return fmt.Errorf("pipeline: building engine worker: %w", err)
	}

	marks := make(chan bool, engineQueueCapacityHint)
	gateFn := func() dispatch.GateParams {
		c := *p.cfg.Load()
		return dispatch.GateParams{
			BaseThreshold:        c.ConfidenceThreshold,
			SpeechMinMultiplier:  c.SpeechMinMultiplier,
			SpeechMaxMultiplier:  c.SpeechMaxMultiplier,
			MaxConfidencePenalty: c.MaxConfidencePenalty,
		}
	}
	energyFn := func() float64 {
		return p.Energy()
	}

	p.worker = worker
	p.tooShortMarks = marks
	p.dispatcher = dispatch.New(p.threshold, gateFn, energyFn, marks, p.keystrokes, p.gui, p.onEngineFatal, p.log)

	// Teardown clears utterance, lookback, and debounce state so the
	// incoming engine starts from silence.
	p.stateMu.Lock()
	p.machine.TeardownReset()
	p.lookback.Clear()
	p.edge.Reset()
	p.stateMu.Unlock()

	return nil
}

// engineQueueCapacityHint mirrors engine.Worker's own queue capacity so
// tooShortMarks can never itself become the bottleneck ahead of the
// engine queue it shadows.
const engineQueueCapacityHint = 64

func (p *Pipeline) onEngineFatal(err error) {
	msg := err.Error()
	p.lastFatal.Store(&msg)
}

// Reconfigure applies a new Config. If the speech engine or model path
// changed, the engine worker is torn down and rebuilt; otherwise the
// new tunables simply take effect on the next chunk. An in-progress
// utterance keeps the silence/min-duration values captured at its own
// start.
func (p *Pipeline) Reconfigure(cfg config.Config) error {
	// The capture device's negotiated rate outlives config reloads; the
	// configured value only matters at Open time.
	cfg.SampleRate = p.source.SampleRate()

	old := *p.cfg.Load()
	p.cfg.Store(&cfg)

	if old.SpeechEngine != cfg.SpeechEngine || old.EngineModelPath != cfg.EngineModelPath || old.CoprocessCommand != cfg.CoprocessCommand {
		if err := p.buildEngine(cfg); err != nil {
			return err
		}
	}

	p.stateMu.Lock()
	if p.machine.Phase() == utterance.Idle {
		p.machine.Reconfigure(cfg.SilenceSeconds, cfg.MinDuration)
	}
	p.lookback = utterance.NewLookback(lookbackCapacity(cfg))
	p.stateMu.Unlock()
	return nil
}

// Energy returns the most recently computed chunk energy, safe to call
// from any goroutine (the Result Dispatcher's confidence gate reads it).
func (p *Pipeline) Energy() float64 {
	return math.Float64frombits(p.currentEnergy.Load())
}

func (p *Pipeline) setEnergy(v float64) {
	p.currentEnergy.Store(math.Float64bits(v))
}

// OnTranscribingEdge is the control.TransitionHandler the Control Plane
// invokes on every run-flag edge. Both edges reset the recognizer and
// clear utterance, lookback, and debounce state; false→true also clears
// the Dispatcher's text state. Worker.Reset first works through every
// request already queued, so chunks (and a Final request) queued before
// a true→false edge are still recognized and their results dispatched;
// chunks arriving after the edge are no longer forwarded.
func (p *Pipeline) OnTranscribingEdge(transcribing bool) {
	p.workerMu.Lock()
	worker := p.worker
	dispatcher := p.dispatcher
	p.workerMu.Unlock()
	if worker == nil {
		return
	}

	if transcribing {
		if err := worker.Reset(); err != nil {
			p.log.Warn("pipeline: resetting engine on start", "error", err)
		}
		dispatcher.ResetTextState()
		p.stateMu.Lock()
		p.machine.TeardownReset()
		p.lookback.Clear()
		p.edge.Reset()
		p.stateMu.Unlock()
		return
	}

	// true→false: the recognizer is reset once the requests already
	// queued are done; an in-progress utterance gets no Final request.
	if err := worker.Reset(); err != nil {
		p.log.Warn("pipeline: resetting engine on stop", "error", err)
	}
	p.stateMu.Lock()
	p.machine.TeardownReset()
	p.lookback.Clear()
	p.edge.Reset()
	p.stateMu.Unlock()
}

// Run starts the capture device and blocks, running the Audio Worker
// loop and the dispatch loop until Stop is called. It returns the
// reason Run stopped, if that reason was an error (e.g. the capture
// device failing); a clean Stop returns nil.
func (p *Pipeline) Run(transcribing func() bool) error {
	if err := p.source.Start(); err != nil {
		return fmt.Errorf("pipeline: starting capture: %w", err)
	}
	defer close(p.done)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		p.audioWorkerLoop(transcribing)
	}()
	go func() {
		defer wg.Done()
		p.dispatchLoop()
	}()

	wg.Wait()
	return nil
}

// Stop signals the Audio Worker and dispatch loops to exit and closes
// the capture device and engine worker.
func (p *Pipeline) Stop() error {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
	<-p.done

	var firstErr error
	if err := p.source.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	p.workerMu.Lock()
	worker := p.worker
	p.workerMu.Unlock()
	if worker != nil {
		if err := worker.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// dispatchLoop drains engine worker events and feeds them to the Result
// Dispatcher until Stop fires. When a worker's event channel closes
// (Close() has completed its run loop) it goes back to pick up
// whichever worker is current.
func (p *Pipeline) dispatchLoop() {
	for {
		p.workerMu.Lock()
		worker := p.worker
		dispatcher := p.dispatcher
		p.workerMu.Unlock()

		if worker == nil {
			// Engine-less after a failed rebuild: idle until Reconfigure
			// installs a new worker or Stop fires.
			select {
			case <-p.stop:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		select {
		case <-p.stop:
			return
		case ev, ok := <-worker.Events():
			if !ok {
				// Worker torn down mid-rebuild; loop to pick up the new one,
				// unless Stop has also fired.
				select {
				case <-p.stop:
					return
				default:
					continue
				}
			}
			if ev.Transient != nil {
				p.transientErrors.Add(1)
			}
			if !ev.Result.IsFinal() {
				dispatcher.Handle(ev)
				continue
			}

			p.stateMu.Lock()
			p.machine.FinalAcked()
			p.stateMu.Unlock()
			p.timings.mu.Lock()
			if !p.timings.utteranceEnd.IsZero() {
				p.timings.finalResult = time.Since(p.timings.utteranceEnd)
			}
			p.timings.mu.Unlock()

			typed := time.Now()
			dispatcher.Handle(ev)
			p.timings.mu.Lock()
			p.timings.keystrokesDone = time.Since(typed)
			p.timings.mu.Unlock()
		}
	}
}

// Health returns a snapshot of the pipeline's error/overflow counters.
func (p *Pipeline) Health() HealthSnapshot {
	p.workerMu.Lock()
	worker := p.worker
	p.workerMu.Unlock()

	var dropped uint64
	if worker != nil {
		dropped = worker.Dropped()
	}

	snap := HealthSnapshot{
		RingOverflows:              p.ring.Overflow(),
		EngineQueueDrops:           dropped,
		RecognitionTransientErrors: p.transientErrors.Load(),
	}
	if msg := p.lastFatal.Load(); msg != nil {
		snap.LastEngineFatalError = *msg
	}
	return snap
}

// LatencyBreakdown returns the most recently measured per-stage
// timings.
func (p *Pipeline) LatencyBreakdown() LatencyBreakdown {
	p.timings.mu.Lock()
	defer p.timings.mu.Unlock()
	return LatencyBreakdown{
		OnsetToLookbackFlushMS: p.timings.lookbackFlush.Milliseconds(),
		UtteranceEndToFinalMS:  p.timings.finalResult.Milliseconds(),
		FinalToKeystrokesMS:    p.timings.keystrokesDone.Milliseconds(),
	}
}
