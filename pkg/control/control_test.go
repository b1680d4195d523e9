package control

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/talkie-dev/talkie/pkg/config"
)

func TestPlane_InitialValueLoadedFromStateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".talkie")
	if err := config.WriteState(path, config.State{Transcribing: true}); err != nil {
		t.Fatalf("WriteState: %v", err)
	}

	p, err := New(path, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !p.Transcribing() {
		t.Errorf("expected initial flag loaded from state file")
	}
}

func TestPlane_SetTranscribingPersistsAndFiresEdge(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".talkie")

	var mu sync.Mutex
	var edges []bool
	p, err := New(path, func(v bool) {
		mu.Lock()
		edges = append(edges, v)
		mu.Unlock()
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := p.SetTranscribing(true); err != nil {
		t.Fatalf("SetTranscribing: %v", err)
	}
	// Setting the same value again is not an edge.
	if err := p.SetTranscribing(true); err != nil {
		t.Fatalf("SetTranscribing: %v", err)
	}
	if err := p.SetTranscribing(false); err != nil {
		t.Fatalf("SetTranscribing: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(edges) != 2 || edges[0] != true || edges[1] != false {
		t.Errorf("expected edges [true false], got %v", edges)
	}

	st, err := config.ReadState(path)
	if err != nil {
		t.Fatalf("ReadState: %v", err)
	}
	if st.Transcribing {
		t.Errorf("expected final persisted state false")
	}
}

func TestPlane_Toggle(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".talkie")
	p, err := New(path, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	v, err := p.Toggle()
	if err != nil || !v {
		t.Fatalf("first Toggle = %v, %v; want true, nil", v, err)
	}
	v, err = p.Toggle()
	if err != nil || v {
		t.Fatalf("second Toggle = %v, %v; want false, nil", v, err)
	}
}

// An external write to the state file takes effect within the poll
// window.
func TestPlane_WatchAppliesExternalWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".talkie")
	if err := config.WriteState(path, config.State{}); err != nil {
		t.Fatalf("WriteState: %v", err)
	}

	edgeCh := make(chan bool, 1)
	p, err := New(path, func(v bool) { edgeCh <- v }, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Watch(ctx)

	if err := config.WriteState(path, config.State{Transcribing: true}); err != nil {
		t.Fatalf("external WriteState: %v", err)
	}

	select {
	case v := <-edgeCh:
		if !v {
			t.Errorf("expected a true edge from the external write")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("watcher did not apply the external state change in time")
	}
	if !p.Transcribing() {
		t.Errorf("expected flag true after the watcher applied the write")
	}
}

func TestInstanceGuard_SecondAcquireFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".talkie")

	g1, ok, err := AcquireInstanceGuard(path)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	defer g1.Release()

	_, ok, err = AcquireInstanceGuard(path)
	if err != nil {
		t.Fatalf("second acquire errored: %v", err)
	}
	if ok {
		t.Errorf("expected second acquire to be rejected while the first holds the lock")
	}
}
