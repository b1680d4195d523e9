package engine

import (
	"encoding/json"
	"fmt"
	"sync"

	vosk "github.com/alphacep/vosk-api/go"
)

// maxChunksBeforeForceFinalize bounds how long a segment can run before
// the in-process recognizer is forced to flush and its native state is
// recreated, preventing unbounded C-side memory growth. At ~100ms per
// chunk, 500 chunks is about 50s, generous for a dictation utterance.
const maxChunksBeforeForceFinalize = 500

type voskResult struct {
	Partial string `json:"partial"`
	Text    string `json:"text"`
}

// VoskRecognizer is the in-process Recognizer variant wrapping Vosk's
// streaming recognizer.
type VoskRecognizer struct {
	mu    sync.Mutex
	model *vosk.VoskModel
	rec   *vosk.VoskRecognizer

	sampleRate       float64
	chunksSinceFinal int
	closed           bool
}

// NewVoskRecognizer loads the model at modelPath and creates a streaming
// recognizer at sampleRate. It must be called from the Engine Worker's
// goroutine: Vosk pins recognizer state to its creating thread.
func NewVoskRecognizer(modelPath string, sampleRate float64) (Recognizer, error) {
	model, err := vosk.NewModel(modelPath)
	if err != nil {
		return nil, fmt.Errorf("engine: loading vosk model %s: %w", modelPath, err)
	}
	rec, err := vosk.NewRecognizer(model, sampleRate)
	if err != nil {
		model.Free()
		return nil, fmt.Errorf("engine: creating vosk recognizer: %w", err)
	}
	rec.SetWords(0)

	return &VoskRecognizer{
		model:      model,
		rec:        rec,
		sampleRate: sampleRate,
	}, nil
}

// Process feeds chunk to the recognizer. Vosk signals a natural
// segment boundary by returning non-zero from AcceptWaveform, in which
// case the accumulated text is a Final; otherwise the caller gets the
// current Partial.
func (v *VoskRecognizer) Process(chunk []byte) (Result, bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return Result{}, false, ErrClosed
	}

	v.chunksSinceFinal++

	if v.rec.AcceptWaveform(chunk) != 0 {
		res, err := v.parseFinal(v.rec.Result())
		v.chunksSinceFinal = 0
		return res, true, err
	}

	if v.chunksSinceFinal >= maxChunksBeforeForceFinalize {
		res, err := v.parseFinal(v.rec.FinalResult())
		v.chunksSinceFinal = 0
		v.recreateLocked()
		return res, true, err
	}

	var pr voskResult
	raw := v.rec.PartialResult()
	if err := json.Unmarshal([]byte(raw), &pr); err != nil {
		return Result{}, false, fmt.Errorf("engine: parsing vosk partial: %w", err)
	}
	if pr.Partial == "" {
		return Result{}, false, nil
	}
	return Result{Partial: pr.Partial}, true, nil
}

// Final forces the current segment to close.
func (v *VoskRecognizer) Final() (Result, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return Result{}, ErrClosed
	}
	res, err := v.parseFinal(v.rec.FinalResult())
	v.chunksSinceFinal = 0
	return res, err
}

func (v *VoskRecognizer) parseFinal(raw string) (Result, error) {
	var r voskResult
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return Result{}, fmt.Errorf("engine: parsing vosk final: %w", err)
	}
	if r.Text == "" {
		return Result{Alternatives: []Alternative{}}, nil
	}
	// Vosk's default result has no confidence score; an unscored
	// alternative is represented as 0.
	return Result{Alternatives: []Alternative{{Text: r.Text, Confidence: 0}}}, nil
}

// Reset discards in-progress segment state by recreating the native
// recognizer, matching the "force finalization" recreation path.
func (v *VoskRecognizer) Reset() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrClosed
	}
	v.recreateLocked()
	return nil
}

func (v *VoskRecognizer) recreateLocked() {
	if v.rec != nil {
		v.rec.Free()
	}
	rec, err := vosk.NewRecognizer(v.model, v.sampleRate)
	if err != nil {
		v.rec = nil
		return
	}
	rec.SetWords(0)
	v.rec = rec
}

// Close releases both the recognizer and the model.
func (v *VoskRecognizer) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true
	if v.rec != nil {
		v.rec.Free()
		v.rec = nil
	}
	if v.model != nil {
		v.model.Free()
		v.model = nil
	}
	return nil
}
