package pipeline

import (
	"time"

	"github.com/talkie-dev/talkie/pkg/config"
	"github.com/talkie-dev/talkie/pkg/utterance"
	"github.com/talkie-dev/talkie/pkg/vad"
)

// popBufSize bounds a single Ring.Pop read; it only needs to be large
// enough to comfortably exceed one chunk so accumulation rarely spans
// more than two reads.
const popBufSize = 8192

// audioWorkerLoop drains the ring, peels aligned chunks, computes
// per-chunk energy, drives VAD and the utterance state machine, and
// commands the Engine Worker. It runs on its own
// goroutine for the Pipeline's lifetime and exits when Stop fires.
func (p *Pipeline) audioWorkerLoop(transcribing func() bool) {
	popBuf := make([]byte, popBufSize)
	var accum []byte
	guiTick := 0

	for {
		select {
		case <-p.stop:
			return
		default:
		}

		n := p.ring.Pop(popBuf)
		if n == 0 {
			continue
		}
		accum = append(accum, popBuf[:n]...)

		cfg := *p.cfg.Load()
		chunkSize := cfg.BytesPerChunk()
		if chunkSize <= 0 {
			accum = accum[:0]
			continue
		}

		for len(accum) >= chunkSize {
			chunk := accum[:chunkSize]
			p.processChunk(chunk, cfg, transcribing)
			accum = accum[chunkSize:]
		}
		// Keep the remainder at the front of a right-sized slice so the
		// backing array doesn't grow unbounded across iterations.
		if len(accum) > 0 {
			rest := make([]byte, len(accum))
			copy(rest, accum)
			accum = rest
		} else {
			accum = accum[:0]
		}

		guiTick++
		if guiTick%2 == 0 {
			p.gui.SetEnergy(p.Energy())
		}
	}
}

// processChunk handles one aligned PCM chunk.
func (p *Pipeline) processChunk(chunk []byte, cfg config.Config, transcribing func() bool) {
	energy := vad.Energy(chunk)
	p.setEnergy(energy)

	p.stateMu.Lock()
	p.threshold.Observe(energy)
	rawIsSpeech := p.threshold.IsSpeech(energy, cfg.AudioThresholdMultiplier)
	p.edge.Update(rawIsSpeech)
	isSpeech := p.edge.Speaking()

	p.lookback.Push(chunk)

	if !transcribing() {
		p.stateMu.Unlock()
		return
	}

	wasIdle := p.machine.Phase() == utterance.Idle
	var flushed [][]byte
	if wasIdle && isSpeech {
		flushed = p.lookback.Flush()
	}

	res := p.machine.Feed(isSpeech, time.Now(), flushed)
	p.stateMu.Unlock()

	p.workerMu.Lock()
	worker := p.worker
	marks := p.tooShortMarks
	p.workerMu.Unlock()
	if worker == nil {
		return
	}

	switch res.Command {
	case utterance.ProcessAsync:
		if wasIdle {
			// The flushed lookback already ends with the current chunk
			// (it was pushed above, before the flush), so the flush loop
			// delivers it; sending chunk again here would feed the
			// recognizer the onset audio twice. Only a zero-capacity
			// lookback flushes empty, in which case the current chunk
			// still has to go out by itself.
			p.timings.mu.Lock()
			p.timings.speechOnset = time.Now()
			p.timings.mu.Unlock()
			for _, c := range res.Lookback {
				worker.ProcessAsync(c)
			}
			if len(res.Lookback) == 0 {
				worker.ProcessAsync(chunk)
			}
			p.timings.mu.Lock()
			p.timings.lookbackFlush = time.Since(p.timings.speechOnset)
			p.timings.mu.Unlock()
			break
		}
		worker.ProcessAsync(chunk)

	case utterance.FinalAsync:
		p.timings.mu.Lock()
		p.timings.utteranceEnd = time.Now()
		p.timings.mu.Unlock()
		// Queue the too-short mark before the Final request so it is
		// already waiting when the Dispatcher receives that Final.
		select {
		case marks <- res.TooShort:
		default:
		}
		worker.FinalAsync()
		p.stateMu.Lock()
		p.lookback.Clear()
		p.stateMu.Unlock()
	}
}
