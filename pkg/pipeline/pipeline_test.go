package pipeline

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/talkie-dev/talkie/pkg/config"
	"github.com/talkie-dev/talkie/pkg/dispatch"
	"github.com/talkie-dev/talkie/pkg/engine"
	"github.com/talkie-dev/talkie/pkg/guisink"
	"github.com/talkie-dev/talkie/pkg/logging"
	"github.com/talkie-dev/talkie/pkg/utterance"
	"github.com/talkie-dev/talkie/pkg/vad"
)

// recordingRecognizer captures every chunk the Engine Worker feeds it so
// tests can assert on delivery order and multiplicity.
type recordingRecognizer struct {
	mu     sync.Mutex
	chunks [][]byte
}

func (r *recordingRecognizer) Process(chunk []byte) (engine.Result, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owned := make([]byte, len(chunk))
	copy(owned, chunk)
	r.chunks = append(r.chunks, owned)
	return engine.Result{}, false, nil
}

func (r *recordingRecognizer) Final() (engine.Result, error) {
	return engine.Result{Alternatives: []engine.Alternative{}}, nil
}

func (r *recordingRecognizer) Reset() error { return nil }
func (r *recordingRecognizer) Close() error { return nil }

func (r *recordingRecognizer) received() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.chunks))
	copy(out, r.chunks)
	return out
}

// waitForChunks polls until the recognizer has received want chunks or
// the deadline passes; the Engine Worker drains its queue asynchronously.
func waitForChunks(t *testing.T, rec *recordingRecognizer, want int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got := rec.received()
		if len(got) >= want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	got := rec.received()
	t.Fatalf("timed out waiting for %d chunks, got %d", want, len(got))
	return got
}

type nopKeystrokeSink struct{}

func (nopKeystrokeSink) Type(string) error { return nil }

// newTestPipeline wires a Pipeline around a recording recognizer without
// opening a capture device, so processChunk can be driven directly.
func newTestPipeline(t *testing.T, rec engine.Recognizer, lookbackChunks int) *Pipeline {
	t.Helper()

	cfg := config.DefaultConfig()
	worker, err := engine.NewWorker(func(string) (engine.Recognizer, error) { return rec, nil }, "", nil)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	t.Cleanup(func() { worker.Close() })

	p := &Pipeline{
		log:        logging.NoOpLogger{},
		threshold:  vad.NewController(cfg.NoiseFloorPercentile, cfg.SpeechFloorPercentile),
		edge:       vad.NewEdgeDetector(1),
		lookback:   utterance.NewLookback(lookbackChunks),
		machine:    utterance.NewMachine(cfg.SilenceSeconds, cfg.MinDuration),
		keystrokes: nopKeystrokeSink{},
		gui:        guisink.NoOpSink{},
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	p.cfg.Store(&cfg)

	marks := make(chan bool, engineQueueCapacityHint)
	p.worker = worker
	p.tooShortMarks = marks
	p.dispatcher = dispatch.New(p.threshold, func() dispatch.GateParams { return dispatch.GateParams{} }, p.Energy, marks, p.keystrokes, p.gui, nil, p.log)
	return p
}

func silenceChunk() []byte { return make([]byte, 320) }

func loudChunk(sample byte) []byte {
	chunk := make([]byte, 320)
	for i := 0; i < len(chunk); i += 2 {
		chunk[i] = sample
		chunk[i+1] = 0x27 // ~10000 in the int16 domain, well above a zero noise floor
	}
	return chunk
}

// calibrate feeds enough silence for the threshold controller to derive
// its floors; the machine stays Idle throughout since energy is zero.
func calibrate(p *Pipeline, transcribing func() bool) {
	cfg := *p.cfg.Load()
	for i := 0; i < 250; i++ {
		p.processChunk(silenceChunk(), cfg, transcribing)
	}
}

// On the rising edge of speech the recognizer must receive the lookback
// chunks in insertion order with the onset chunk delivered exactly once,
// as its last element.
func TestProcessChunk_OnsetChunkDeliveredExactlyOnce(t *testing.T) {
	rec := &recordingRecognizer{}
	p := newTestPipeline(t, rec, 3)
	transcribing := func() bool { return true }
	cfg := *p.cfg.Load()

	calibrate(p, transcribing)

	onset := loudChunk(0x10)
	p.processChunk(onset, cfg, transcribing)

	waitForChunks(t, rec, 3)
	// Settle briefly so a duplicated send would have time to land too.
	time.Sleep(50 * time.Millisecond)
	got := rec.received()
	if len(got) != 3 {
		t.Fatalf("expected exactly 3 chunks after the rising edge (2 lookback + onset), got %d", len(got))
	}
	onsetCount := 0
	for _, c := range got {
		if bytes.Equal(c, onset) {
			onsetCount++
		}
	}
	if onsetCount != 1 {
		t.Errorf("onset chunk delivered %d times, want exactly once", onsetCount)
	}
	if !bytes.Equal(got[len(got)-1], onset) {
		t.Errorf("onset chunk must be the last of the flushed lookback")
	}

	// A second speech chunk while Active goes out on its own, once.
	active := loudChunk(0x20)
	p.processChunk(active, cfg, transcribing)
	got = waitForChunks(t, rec, 4)
	if len(got) != 4 || !bytes.Equal(got[3], active) {
		t.Fatalf("expected the active-state chunk appended once, got %d chunks", len(got))
	}
}

// With a zero-capacity lookback the flush is empty, so the onset chunk
// still has to reach the recognizer by itself.
func TestProcessChunk_ZeroLookbackStillDeliversOnsetChunk(t *testing.T) {
	rec := &recordingRecognizer{}
	p := newTestPipeline(t, rec, 0)
	transcribing := func() bool { return true }
	cfg := *p.cfg.Load()

	calibrate(p, transcribing)

	onset := loudChunk(0x10)
	p.processChunk(onset, cfg, transcribing)

	waitForChunks(t, rec, 1)
	time.Sleep(50 * time.Millisecond)
	got := rec.received()
	if len(got) != 1 || !bytes.Equal(got[0], onset) {
		t.Fatalf("expected exactly the onset chunk, got %d chunks", len(got))
	}
}

// Chunks seen while transcribing is off never reach the recognizer.
func TestProcessChunk_NotTranscribingForwardsNothing(t *testing.T) {
	rec := &recordingRecognizer{}
	p := newTestPipeline(t, rec, 3)
	cfg := *p.cfg.Load()

	calibrate(p, func() bool { return true })
	// Everything so far was silence; nothing should have been forwarded.
	p.processChunk(loudChunk(0x10), cfg, func() bool { return false })

	time.Sleep(50 * time.Millisecond)
	if got := rec.received(); len(got) != 0 {
		t.Fatalf("expected no chunks while transcribing is off, got %d", len(got))
	}
}
