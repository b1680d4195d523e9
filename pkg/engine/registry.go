package engine

import (
	"fmt"

	"github.com/talkie-dev/talkie/pkg/logging"
)

// VoskFactory returns a Factory that builds an in-process Vosk
// recognizer at the given sample rate.
func VoskFactory(sampleRate float64) Factory {
	return func(modelPath string) (Recognizer, error) {
		return NewVoskRecognizer(modelPath, sampleRate)
	}
}

// CoprocessFactory returns a Factory that spawns command/args as a
// coprocess recognizer; the sherpa and faster-whisper engines both run
// as local child processes driven over the wire protocol.
func CoprocessFactory(command string, args []string, log logging.Logger) Factory {
	return func(modelPath string) (Recognizer, error) {
		return NewCoprocessRecognizer(command, args, modelPath, log)
	}
}

// ErrUnknownEngine reports a speech_engine name that has no Recognizer
// factory; cmd/talkie's buildFactory returns it.
type ErrUnknownEngine string

func (e ErrUnknownEngine) Error() string {
	return fmt.Sprintf("engine: no factory registered for speech_engine %q", string(e))
}
