// Command talkie is the CLI entrypoint: verb dispatch, configuration
// and environment loading, device wiring, and the long-running
// application loop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/talkie-dev/talkie/pkg/config"
	"github.com/talkie-dev/talkie/pkg/control"
	"github.com/talkie-dev/talkie/pkg/engine"
	"github.com/talkie-dev/talkie/pkg/keystroke"
	"github.com/talkie-dev/talkie/pkg/logging"
	"github.com/talkie-dev/talkie/pkg/pipeline"
)

func main() {
	logLevel := pflag.StringP("log-level", "l", "info", "Log level: debug, info, warn, error.")
	configPath := pflag.StringP("config", "c", "", "Path to the config file. Defaults to $XDG_CONFIG_HOME/talkie.conf or $HOME/.talkie.conf.")
	pflag.Parse()

	log := logging.New(*logLevel)

	if err := godotenv.Load(); err != nil {
		log.Debug("no .env file found, using system environment variables")
	}

	statePath, err := config.StatePath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "talkie: %v\n", err)
		os.Exit(1)
	}

	if verb := pflag.Arg(0); verb != "" {
		os.Exit(control.RunVerb(verb, statePath))
	}

	cfgPath := *configPath
	if cfgPath == "" {
		cfgPath, err = config.Path()
		if err != nil {
			fmt.Fprintf(os.Stderr, "talkie: %v\n", err)
			os.Exit(1)
		}
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "talkie: loading config: %v\n", err)
		os.Exit(1)
	}

	guard, ok, err := control.AcquireInstanceGuard(statePath)
	if err != nil {
		log.Error("acquiring single-instance guard", "error", err)
		os.Exit(1)
	}
	if !ok {
		// Best-effort: another instance already owns the lock. Flip the
		// state file's transcribing flag so the running instance reacts,
		// and exit.
		log.Warn("another talkie instance is already running; toggling its state instead")
		os.Exit(control.RunVerb("toggle", statePath))
	}
	defer guard.Release()

	newFactory := func(sampleRate int) (engine.Factory, error) {
		return buildFactory(cfg, sampleRate, log)
	}

	keystrokeSink := keystroke.NewLoggingSink(log)

	pl, err := pipeline.New(cfg, newFactory, keystrokeSink, nil, log)
	if err != nil {
		log.Error("building pipeline", "error", err)
		os.Exit(1)
	}

	plane, err := control.New(statePath, pl.OnTranscribingEdge, log)
	if err != nil {
		log.Error("building control plane", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go plane.Watch(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	// SIGUSR1 is the running process's own user-action toggle; with no
	// GUI wired in this tree, a signal is the nearest equivalent
	// in-process trigger and goes through the same Plane.Toggle path a
	// GUI button would.
	toggleSig := make(chan os.Signal, 1)
	signal.Notify(toggleSig, syscall.SIGUSR1)
	go func() {
		for range toggleSig {
			v, err := plane.Toggle()
			if err != nil {
				log.Warn("toggling transcribing via SIGUSR1", "error", err)
				continue
			}
			log.Info("transcribing toggled", "transcribing", v)
		}
	}()

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- pl.Run(plane.Transcribing)
	}()

	// Periodic health reporting: overflow and error counters are
	// surfaced rather than halting the pipeline.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h := pl.Health()
				log.Debug("pipeline health",
					"ring_overflows", h.RingOverflows,
					"engine_queue_drops", h.EngineQueueDrops,
					"transient_errors", h.RecognitionTransientErrors,
					"last_fatal", h.LastEngineFatalError)
			}
		}
	}()

	log.Info("talkie started", "speech_engine", cfg.SpeechEngine, "device", cfg.Device)

	select {
	case <-sig:
		log.Info("shutting down")
	case err := <-runErrCh:
		if err != nil {
			log.Error("pipeline stopped", "error", err)
		}
	}

	cancel()
	signal.Stop(toggleSig)
	close(toggleSig)

	h := pl.Health()
	log.Info("final pipeline health",
		"ring_overflows", h.RingOverflows,
		"engine_queue_drops", h.EngineQueueDrops,
		"transient_errors", h.RecognitionTransientErrors)

	if err := pl.Stop(); err != nil {
		log.Error("stopping pipeline", "error", err)
		os.Exit(1)
	}
}

// buildFactory selects the Recognizer Factory for cfg.SpeechEngine.
// "vosk" runs in-process and needs the sample rate the capture device
// actually negotiated; "sherpa" and "faster-whisper" are coprocess
// engines, both driven through the same wire protocol by whatever
// command cfg.CoprocessCommand names.
func buildFactory(cfg config.Config, sampleRate int, log logging.Logger) (engine.Factory, error) {
	switch cfg.SpeechEngine {
	case config.EngineVosk:
		return engine.VoskFactory(float64(sampleRate)), nil
	case config.EngineSherpa, config.EngineFasterWhisper:
		if cfg.CoprocessCommand == "" {
			return nil, fmt.Errorf("config: coprocess_command is required for speech_engine %q", cfg.SpeechEngine)
		}
		parts := strings.Fields(cfg.CoprocessCommand)
		if len(parts) == 0 {
			return nil, fmt.Errorf("config: coprocess_command is blank for speech_engine %q", cfg.SpeechEngine)
		}
		command, args := parts[0], parts[1:]
		return engine.CoprocessFactory(command, args, log), nil
	default:
		return nil, engine.ErrUnknownEngine(string(cfg.SpeechEngine))
	}
}
