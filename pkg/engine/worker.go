package engine

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/talkie-dev/talkie/pkg/logging"
)

// queueCapacity bounds the Engine Worker's command FIFO.
const queueCapacity = 64

type opKind int

const (
	opProcess opKind = iota
	opFinal
	opReset
	opClose
)

type op struct {
	kind  opKind
	chunk []byte
	// reply, if non-nil, makes this op a synchronous barrier: Reset and
	// Close block the caller until the worker has drained the queue up
	// to and including this op.
	reply chan error
}

// Event is what the Worker posts to the Result Dispatcher: either a
// recognition Result or a fatal/transient error.
type Event struct {
	Result Result
	// Fatal is set when the recognizer has failed unrecoverably; the
	// Worker refuses further requests until it is torn down and a new
	// one is built.
	Fatal error
	// Transient is set for a single chunk's processing failure: logged
	// and dropped, the Worker continues.
	Transient error
}

// Worker owns a Recognizer on a single dedicated goroutine.
// ProcessAsync and FinalAsync never block the caller on the recognizer;
// Reset and Close are synchronous barriers that drain the queue first.
type Worker struct {
	queue   chan op
	events  chan Event
	log     logging.Logger
	dropped atomic.Uint64

	done chan struct{}
}

// NewWorker constructs the Recognizer via factory on the worker's own
// goroutine, with its OS thread locked, because some native libraries
// pin recognizer state to the creating thread. NewWorker itself still
// blocks until construction finishes so callers can surface an engine
// init error before wiring the Worker into the pipeline.
func NewWorker(factory Factory, modelPath string, log logging.Logger) (*Worker, error) {
	if log == nil {
		log = logging.NoOpLogger{}
	}

	w := &Worker{
		queue:  make(chan op, queueCapacity),
		events: make(chan Event, queueCapacity),
		log:    log,
		done:   make(chan struct{}),
	}

	initErr := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		rec, err := factory(modelPath)
		initErr <- err
		if err != nil {
			close(w.events)
			close(w.done)
			return
		}
		w.run(rec)
	}()

	if err := <-initErr; err != nil {
		return nil, fmt.Errorf("engine: worker init: %w", err)
	}
	return w, nil
}

// Events returns the channel the Result Dispatcher reads from.
func (w *Worker) Events() <-chan Event { return w.events }

// ProcessAsync enqueues a chunk for recognition. It never blocks the
// caller on the recognizer itself; if the queue is momentarily full
// (the recognizer is falling behind) the chunk is dropped and counted,
// matching the ring's own drop-newest-on-overflow policy rather than
// applying backpressure to the Audio Worker.
func (w *Worker) ProcessAsync(chunk []byte) {
	owned := make([]byte, len(chunk))
	copy(owned, chunk)
	select {
	case w.queue <- op{kind: opProcess, chunk: owned}:
	default:
		w.dropped.Add(1)
		w.log.Warn("engine worker queue full, dropping chunk")
	}
}

// FinalAsync enqueues a final-segment request.
func (w *Worker) FinalAsync() {
	select {
	case w.queue <- op{kind: opFinal}:
	default:
		w.dropped.Add(1)
		w.log.Warn("engine worker queue full, dropping final request")
	}
}

// Reset drains the queue and resets the recognizer, blocking until done.
// Returns ErrClosed if the run loop has already exited.
func (w *Worker) Reset() error {
	reply := make(chan error, 1)
	select {
	case w.queue <- op{kind: opReset, reply: reply}:
	case <-w.done:
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-w.done:
		return ErrClosed
	}
}

// Close drains the queue, closes the recognizer, and stops the run loop.
// Calling Close on an already-closed Worker is a no-op.
func (w *Worker) Close() error {
	reply := make(chan error, 1)
	select {
	case w.queue <- op{kind: opClose, reply: reply}:
	case <-w.done:
		return nil
	}
	// Drain events while waiting so the run loop can reach the close op
	// even if the dispatcher has already stopped reading.
	for {
		select {
		case err := <-reply:
			<-w.done
			return err
		case <-w.done:
			return nil
		case _, ok := <-w.events:
			if !ok {
				<-w.done
				return nil
			}
		}
	}
}

// Dropped reports how many requests were dropped due to a full queue,
// an engine-side analogue to the ring's overflow counter, surfaced via
// the pipeline's health snapshot.
func (w *Worker) Dropped() uint64 {
	return w.dropped.Load()
}

func (w *Worker) run(rec Recognizer) {
	defer close(w.done)
	defer close(w.events)

	fatal := false

	for o := range w.queue {
		switch o.kind {
		case opProcess:
			if fatal {
				continue
			}
			res, ok, err := rec.Process(o.chunk)
			if err != nil {
				w.handleErr(err, &fatal)
				continue
			}
			if ok {
				w.events <- Event{Result: res}
			}

		case opFinal:
			if fatal {
				continue
			}
			res, err := rec.Final()
			if err != nil {
				w.handleErr(err, &fatal)
				continue
			}
			w.events <- Event{Result: res}

		case opReset:
			var err error
			if !fatal {
				err = rec.Reset()
			}
			o.reply <- err

		case opClose:
			err := rec.Close()
			o.reply <- err
			return
		}
	}
}

func (w *Worker) handleErr(err error, fatal *bool) {
	if isFatal(err) {
		*fatal = true
		w.log.Error("engine worker fatal error", "error", err)
		w.events <- Event{Fatal: err}
		return
	}
	w.log.Warn("engine worker transient error", "error", err)
	w.events <- Event{Transient: err}
}

func isFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}
