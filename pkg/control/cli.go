package control

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/gofrs/flock"

	"github.com/talkie-dev/talkie/pkg/config"
)

// RunVerb dispatches one of the start/stop/toggle/state CLI verbs
// against the state file at statePath, writing its output to stdout. It returns the
// process exit code the verb produced (0 on success, 1 on error).
func RunVerb(verb string, statePath string) int {
	switch verb {
	case "start":
		return writeState(statePath, true)
	case "stop":
		return writeState(statePath, false)
	case "toggle":
		return toggleState(statePath)
	case "state":
		return printState(statePath)
	default:
		fmt.Fprintf(os.Stderr, "talkie: unrecognized verb %q\n", verb)
		return 1
	}
}

func writeState(statePath string, transcribing bool) int {
	if err := config.WriteState(statePath, config.State{Transcribing: transcribing}); err != nil {
		fmt.Fprintf(os.Stderr, "talkie: %v\n", err)
		return 1
	}
	return 0
}

func toggleState(statePath string) int {
	st, err := config.ReadState(statePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "talkie: %v\n", err)
		return 1
	}
	st.Transcribing = !st.Transcribing
	if err := config.WriteState(statePath, st); err != nil {
		fmt.Fprintf(os.Stderr, "talkie: %v\n", err)
		return 1
	}
	return 0
}

func printState(statePath string) int {
	data, err := os.ReadFile(statePath)
	if err != nil {
		if os.IsNotExist(err) {
			st, _ := json.Marshal(config.State{})
			fmt.Println(string(st))
			return 0
		}
		fmt.Fprintf(os.Stderr, "talkie: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}

// InstanceGuard is the single-instance guard: an advisory lock on a
// lock file beside the state file (statePath + ".lock"), rejecting a
// second full application instance
// (the CLI verbs above are one-shot processes and never take this lock).
type InstanceGuard struct {
	fl *flock.Flock
}

// AcquireInstanceGuard attempts to take an advisory lock on
// statePath + ".lock".
// ok is false if another instance already holds it; callers are
// expected to nudge the existing instance best-effort and exit rather
// than start a second pipeline.
func AcquireInstanceGuard(statePath string) (guard *InstanceGuard, ok bool, err error) {
	fl := flock.New(statePath + ".lock")
	locked, err := fl.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("control: acquiring instance lock: %w", err)
	}
	if !locked {
		return nil, false, nil
	}
	return &InstanceGuard{fl: fl}, true, nil
}

// Release drops the advisory lock.
func (g *InstanceGuard) Release() error {
	if g == nil || g.fl == nil {
		return nil
	}
	return g.fl.Unlock()
}
