// Package config loads and validates Talkie's configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// SpeechEngine names a recognizer backend.
type SpeechEngine string

const (
	EngineVosk          SpeechEngine = "vosk"
	EngineSherpa        SpeechEngine = "sherpa"
	EngineFasterWhisper SpeechEngine = "faster-whisper"
)

// Config holds every tunable Talkie reads at startup or on reload.
// Field names mirror the JSON keys recognized in $HOME/.talkie.conf.
type Config struct {
	SampleRate       int          `json:"sample_rate"`
	FramesPerBuffer  int          `json:"frames_per_buffer"`
	Device           string       `json:"device"`
	SpeechEngine     SpeechEngine `json:"speech_engine"`
	EngineModelPath  string       `json:"engine_model_path"`
	CoprocessCommand string       `json:"coprocess_command"`

	ConfidenceThreshold float64 `json:"confidence_threshold"`
	SilenceSeconds      float64 `json:"silence_seconds"`
	LookbackSeconds     float64 `json:"lookback_seconds"`
	MinDuration         float64 `json:"min_duration"`

	AudioThresholdMultiplier float64 `json:"audio_threshold_multiplier"`
	NoiseFloorPercentile     int     `json:"noise_floor_percentile"`
	SpeechFloorPercentile    int     `json:"speech_floor_percentile"`
	SpeechMinMultiplier      float64 `json:"speech_min_multiplier"`
	SpeechMaxMultiplier      float64 `json:"speech_max_multiplier"`
	MaxConfidencePenalty     float64 `json:"max_confidence_penalty"`
}

// DefaultConfig returns the baseline configuration used when no config
// file exists and no option is overridden.
func DefaultConfig() Config {
	return Config{
		SampleRate:      16000,
		FramesPerBuffer: 1600, // 100ms at 16kHz
		Device:          "",
		SpeechEngine:    EngineVosk,

		ConfidenceThreshold: 200,
		SilenceSeconds:      0.8,
		LookbackSeconds:     0.5,
		MinDuration:         0.3,

		AudioThresholdMultiplier: 1.5,
		NoiseFloorPercentile:     10,
		SpeechFloorPercentile:    70,
		SpeechMinMultiplier:      1.0,
		SpeechMaxMultiplier:      3.0,
		MaxConfidencePenalty:     150,
	}
}

// Path resolves the config file location: $XDG_CONFIG_HOME/talkie.conf if
// XDG_CONFIG_HOME is set, otherwise $HOME/.talkie.conf.
func Path() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "talkie.conf"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".talkie.conf"), nil
}

// Load reads the config file at path, overlaying recognized keys onto
// DefaultConfig(). A missing file is not an error: defaults are returned
// unchanged.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot produce a working pipeline.
func (c Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("config: sample_rate must be positive, got %d", c.SampleRate)
	}
	if c.FramesPerBuffer <= 0 {
		return fmt.Errorf("config: frames_per_buffer must be positive, got %d", c.FramesPerBuffer)
	}
	switch c.SpeechEngine {
	case EngineVosk, EngineSherpa, EngineFasterWhisper:
	default:
		return fmt.Errorf("config: unrecognized speech_engine %q", c.SpeechEngine)
	}
	if c.SilenceSeconds <= 0 {
		return fmt.Errorf("config: silence_seconds must be positive, got %f", c.SilenceSeconds)
	}
	if c.LookbackSeconds < 0 {
		return fmt.Errorf("config: lookback_seconds must be non-negative, got %f", c.LookbackSeconds)
	}
	if c.NoiseFloorPercentile < 0 || c.NoiseFloorPercentile > 100 {
		return fmt.Errorf("config: noise_floor_percentile out of range: %d", c.NoiseFloorPercentile)
	}
	if c.SpeechFloorPercentile < 0 || c.SpeechFloorPercentile > 100 {
		return fmt.Errorf("config: speech_floor_percentile out of range: %d", c.SpeechFloorPercentile)
	}
	if c.SpeechFloorPercentile <= c.NoiseFloorPercentile {
		return fmt.Errorf("config: speech_floor_percentile must exceed noise_floor_percentile")
	}
	return nil
}

// BytesPerChunk returns the byte size of one ~100ms PCM chunk at the
// configured sample rate (16-bit mono).
func (c Config) BytesPerChunk() int {
	return 2 * int(round(float64(c.SampleRate)*0.1))
}

func round(f float64) float64 {
	if f < 0 {
		return float64(int(f - 0.5))
	}
	return float64(int(f + 0.5))
}
