// Package control implements the control plane: the single atomic run
// flag, the external state-file watcher, and the single-instance guard.
// CLI verb implementations live in cli.go.
package control

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/talkie-dev/talkie/pkg/config"
	"github.com/talkie-dev/talkie/pkg/logging"
)

// pollInterval is how often the watcher re-reads the state file.
const pollInterval = 500 * time.Millisecond

// TransitionHandler is invoked on every edge of the run flag with the
// new value: true on false→true (start), false on true→false (stop).
// It is the single path through which starts/stops take effect on the
// pipeline (clearing lookback, resetting the recognizer, etc.); Plane
// itself only owns persistence and observation.
type TransitionHandler func(transcribing bool)

// Plane owns the single boolean transcribing run flag, persists every
// write to the external state file, and watches that file for external
// edits.
type Plane struct {
	statePath string
	log       logging.Logger

	flag   atomic.Bool
	onEdge TransitionHandler
}

// New constructs a Plane reading/writing statePath. The initial value is
// loaded from the state file if present, defaulting to false.
func New(statePath string, onEdge TransitionHandler, log logging.Logger) (*Plane, error) {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	st, err := config.ReadState(statePath)
	if err != nil {
		return nil, err
	}
	p := &Plane{statePath: statePath, onEdge: onEdge, log: log}
	p.flag.Store(st.Transcribing)
	return p, nil
}

// Transcribing reports the current run flag value. Safe from any
// goroutine, including the Audio Worker.
func (p *Plane) Transcribing() bool {
	return p.flag.Load()
}

// SetTranscribing sets the run flag, persists it, and invokes the
// transition handler only on an actual edge.
func (p *Plane) SetTranscribing(v bool) error {
	prev := p.flag.Swap(v)
	if err := config.WriteState(p.statePath, config.State{Transcribing: v}); err != nil {
		// Roll back the in-memory flag so observers don't believe a
		// transition happened that was never externally visible.
		p.flag.Store(prev)
		return err
	}
	if prev != v && p.onEdge != nil {
		p.onEdge(v)
	}
	return nil
}

// Toggle flips the run flag and returns the new value.
func (p *Plane) Toggle() (bool, error) {
	v := !p.flag.Load()
	return v, p.SetTranscribing(v)
}

// Watch polls the state file every pollInterval and applies any external
// change via SetTranscribing, so writes from another process (the start
// /stop/toggle CLI verbs, or any other collaborator) take effect within
// one poll interval. It blocks until ctx is cancelled.
func (p *Plane) Watch(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st, err := config.ReadState(p.statePath)
			if err != nil {
				p.log.Warn("control: reading state file", "error", err)
				continue
			}
			if st.Transcribing != p.flag.Load() {
				if err := p.SetTranscribing(st.Transcribing); err != nil {
					p.log.Warn("control: applying external state change", "error", err)
				}
			}
		}
	}
}
