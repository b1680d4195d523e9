package engine

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/talkie-dev/talkie/pkg/logging"
	"github.com/talkie-dev/talkie/pkg/wireproto"
)

// startupTimeout bounds how long a coprocess has to ack its MODEL
// command before the Engine Worker gives up.
const startupTimeout = 10 * time.Second

// CoprocessRecognizer is the out-of-process Recognizer variant: a child
// process speaking the wireproto line+binary protocol over its stdin/
// stdout pipes.
type CoprocessRecognizer struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader

	log    logging.Logger
	fatal  error
	closed bool
}

// NewCoprocessRecognizer spawns command (with args) as a child process,
// sends "MODEL <modelPath>\n", and waits up to startupTimeout for a
// {"status": "ok"} ack. Binary mode is implicit on Unix pipes; there is
// no text-translation layer to disable as there would be on Windows.
func NewCoprocessRecognizer(command string, args []string, modelPath string, log logging.Logger) (Recognizer, error) {
	if log == nil {
		log = logging.NoOpLogger{}
	}

	cmd := exec.Command(command, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("engine: opening coprocess stdin: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("engine: opening coprocess stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("engine: starting coprocess %s: %w", command, err)
	}

	c := &CoprocessRecognizer{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdoutPipe),
		log:    log,
	}

	if err := wireproto.WriteModel(c.stdin, modelPath); err != nil {
		c.killAndWait()
		return nil, fmt.Errorf("engine: sending MODEL: %w", err)
	}

	ackCh := make(chan error, 1)
	go func() {
		ackCh <- c.awaitStatusOK()
	}()

	select {
	case err := <-ackCh:
		if err != nil {
			c.killAndWait()
			return nil, err
		}
	case <-time.After(startupTimeout):
		c.killAndWait()
		return nil, ErrStartupTimeout
	}

	return c, nil
}

// awaitStatusOK reads result lines until a status ack or an error/EOF.
func (c *CoprocessRecognizer) awaitStatusOK() error {
	for {
		line, err := wireproto.ReadResultLine(c.stdout)
		if err != nil {
			return fmt.Errorf("engine: reading coprocess startup ack: %w", err)
		}
		if line.IsStatus() {
			return nil
		}
		if line.IsError() {
			return fmt.Errorf("engine: coprocess startup error: %s", line.Error)
		}
		// ignore stray partial/final chatter before the ack, if any
	}
}

// Process sends a PROCESS header followed by exactly the promised
// number of payload bytes, then reads one response line.
func (c *CoprocessRecognizer) Process(chunk []byte) (Result, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return Result{}, false, ErrClosed
	}
	if c.fatal != nil {
		return Result{}, false, c.fatal
	}

	if err := wireproto.WriteProcess(c.stdin, chunk); err != nil {
		c.fatal = fmt.Errorf("%w: %v", ErrFatal, err)
		return Result{}, false, c.fatal
	}

	line, err := wireproto.ReadResultLine(c.stdout)
	if err != nil {
		c.fatal = fmt.Errorf("%w: %v", ErrFatal, err)
		return Result{}, false, c.fatal
	}
	return c.translate(line)
}

// Final sends FINAL\n and reads the resulting alternatives line.
func (c *CoprocessRecognizer) Final() (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return Result{}, ErrClosed
	}
	if c.fatal != nil {
		return Result{}, c.fatal
	}

	if err := wireproto.WriteFinal(c.stdin); err != nil {
		c.fatal = fmt.Errorf("%w: %v", ErrFatal, err)
		return Result{}, c.fatal
	}

	// A Final request may be preceded by trailing partial lines; skip
	// them until the alternatives line arrives.
	for {
		line, err := wireproto.ReadResultLine(c.stdout)
		if err != nil {
			c.fatal = fmt.Errorf("%w: %v", ErrFatal, err)
			return Result{}, c.fatal
		}
		res, ok, err := c.translate(line)
		if err != nil {
			return Result{}, err
		}
		if ok && res.IsFinal() {
			return res, nil
		}
	}
}

func (c *CoprocessRecognizer) translate(line wireproto.ResultLine) (Result, bool, error) {
	switch {
	case line.IsError():
		// Recognition errors inside a chunk are non-fatal;
		// the caller drops this chunk's result and continues.
		c.log.Warn("coprocess recognition error", "error", line.Error)
		return Result{}, false, nil
	case line.IsPartial():
		return Result{Partial: line.Partial}, true, nil
	case line.IsFinal():
		alts := make([]Alternative, len(line.Alternatives))
		for i, a := range line.Alternatives {
			alts[i] = Alternative{Text: a.Text, Confidence: a.Confidence}
		}
		return Result{Alternatives: alts}, true, nil
	default:
		return Result{}, false, nil
	}
}

// Reset sends RESET\n and awaits its status ack.
func (c *CoprocessRecognizer) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.fatal != nil {
		return c.fatal
	}
	if err := wireproto.WriteReset(c.stdin); err != nil {
		c.fatal = fmt.Errorf("%w: %v", ErrFatal, err)
		return c.fatal
	}
	for {
		line, err := wireproto.ReadResultLine(c.stdout)
		if err != nil {
			c.fatal = fmt.Errorf("%w: %v", ErrFatal, err)
			return c.fatal
		}
		if line.IsStatus() {
			return nil
		}
		if line.IsError() {
			c.log.Warn("coprocess reset error", "error", line.Error)
			return nil
		}
	}
}

// Close sends EOF on stdin, waits for the child to exit, and reaps it.
func (c *CoprocessRecognizer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- c.cmd.Wait() }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = c.cmd.Process.Kill()
		<-done
	}
	return nil
}

func (c *CoprocessRecognizer) killAndWait() {
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	_ = c.cmd.Wait()
}
