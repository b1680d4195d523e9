package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.conf"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != DefaultConfig() {
		t.Errorf("expected defaults for a missing file, got %+v", cfg)
	}
}

func TestLoad_OverlaysRecognizedKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "talkie.conf")
	data := `{"sample_rate": 44100, "silence_seconds": 1.5, "device": "USB Mic"}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SampleRate != 44100 {
		t.Errorf("sample_rate = %d, want 44100", cfg.SampleRate)
	}
	if cfg.SilenceSeconds != 1.5 {
		t.Errorf("silence_seconds = %f, want 1.5", cfg.SilenceSeconds)
	}
	if cfg.Device != "USB Mic" {
		t.Errorf("device = %q, want %q", cfg.Device, "USB Mic")
	}
	// Untouched keys keep their defaults.
	if cfg.SpeechEngine != EngineVosk {
		t.Errorf("speech_engine = %q, want default %q", cfg.SpeechEngine, EngineVosk)
	}
}

func TestLoad_MalformedJSONIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "talkie.conf")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected an error for malformed config JSON")
	}
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero sample rate", func(c *Config) { c.SampleRate = 0 }},
		{"zero frames per buffer", func(c *Config) { c.FramesPerBuffer = 0 }},
		{"unknown engine", func(c *Config) { c.SpeechEngine = "parakeet" }},
		{"zero silence", func(c *Config) { c.SilenceSeconds = 0 }},
		{"negative lookback", func(c *Config) { c.LookbackSeconds = -1 }},
		{"percentile out of range", func(c *Config) { c.NoiseFloorPercentile = 101 }},
		{"inverted percentiles", func(c *Config) { c.NoiseFloorPercentile = 80; c.SpeechFloorPercentile = 70 }},
	}
	for _, tc := range cases {
		cfg := DefaultConfig()
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected Validate to fail", tc.name)
		}
	}
}

func TestValidate_AcceptsDefaults(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestBytesPerChunk(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SampleRate = 16000
	if got := cfg.BytesPerChunk(); got != 3200 {
		t.Errorf("BytesPerChunk at 16kHz = %d, want 3200", got)
	}
	cfg.SampleRate = 44100
	if got := cfg.BytesPerChunk(); got != 8820 {
		t.Errorf("BytesPerChunk at 44.1kHz = %d, want 8820", got)
	}
}

func TestStateFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".talkie")

	if err := WriteState(path, State{Transcribing: true}); err != nil {
		t.Fatalf("WriteState: %v", err)
	}
	st, err := ReadState(path)
	if err != nil {
		t.Fatalf("ReadState: %v", err)
	}
	if !st.Transcribing {
		t.Errorf("expected transcribing=true after round-trip")
	}

	if err := WriteState(path, State{Transcribing: false}); err != nil {
		t.Fatalf("WriteState: %v", err)
	}
	st, err = ReadState(path)
	if err != nil {
		t.Fatalf("ReadState: %v", err)
	}
	if st.Transcribing {
		t.Errorf("expected transcribing=false after second write")
	}
}

func TestReadState_MissingFileReadsFalse(t *testing.T) {
	st, err := ReadState(filepath.Join(t.TempDir(), ".talkie"))
	if err != nil {
		t.Fatalf("ReadState: %v", err)
	}
	if st.Transcribing {
		t.Errorf("expected transcribing=false for a missing state file")
	}
}
