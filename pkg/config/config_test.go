package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
api_base: http://localhost:8000
tts:
  enabled: false
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if cfg.VAD.VoiceThreshold != 0.12 {
		t.Fatalf("expected default voice threshold, got %v", cfg.VAD.VoiceThreshold)
	}
	if cfg.VAD.DetectionIntervalMS != 100 || cfg.VAD.VoiceConfirmFrames != 3 {
		t.Fatalf("unexpected vad defaults: %+v", cfg.VAD)
	}
	if cfg.Audio.PreRollBufferMS != 3000 {
		t.Fatalf("expected default pre-roll, got %d", cfg.Audio.PreRollBufferMS)
	}
	if cfg.STT.MaxPayloadBytes != 25<<20 || cfg.STT.Language != "auto" {
		t.Fatalf("unexpected stt defaults: %+v", cfg.STT)
	}
	if cfg.Vendors.STT.Provider != "dify" {
		t.Fatalf("expected dify default provider, got %s", cfg.Vendors.STT.Provider)
	}
	if cfg.Retry.Attempts != 2 || cfg.Retry.BackoffMS != 200 {
		t.Fatalf("unexpected retry defaults: %+v", cfg.Retry)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeConfig(t, `
api_base: http://localhost:8000
vad:
  voice_threshold: 0.2
  silence_threshold_ms: 1500
tts:
  enabled: true
  endpoint: https://api.example.com/v1/audio/speech
  api_key: sk-test
  voice: nova
vendors:
  stt:
    provider: deepgram
    settings:
      api_key: dg-test
      model: nova-2
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if cfg.VAD.VoiceThreshold != 0.2 || cfg.VAD.SilenceThresholdMS != 1500 {
		t.Fatalf("overrides not applied: %+v", cfg.VAD)
	}
	if cfg.TTS.Voice != "nova" {
		t.Fatalf("expected voice override, got %s", cfg.TTS.Voice)
	}
	if cfg.Vendors.STT.Provider != "deepgram" {
		t.Fatalf("expected deepgram provider, got %s", cfg.Vendors.STT.Provider)
	}
	if cfg.Vendors.STT.Settings["model"] != "nova-2" {
		t.Fatalf("provider settings not decoded: %+v", cfg.Vendors.STT.Settings)
	}
}

func TestLoadConfigExpandsEnv(t *testing.T) {
	t.Setenv("TTS_KEY", "sk-from-env")
	path := writeConfig(t, `
api_base: http://localhost:8000
tts:
  enabled: true
  endpoint: https://api.example.com/v1/audio/speech
  api_key: ${TTS_KEY}
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if cfg.TTS.APIKey != "sk-from-env" {
		t.Fatalf("env expansion failed, got %q", cfg.TTS.APIKey)
	}
}

func TestValidationFailures(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing api_base", `
tts:
  enabled: false
`},
		{"unknown stt provider", `
api_base: http://localhost:8000
tts:
  enabled: false
vendors:
  stt:
    provider: whisperx
`},
		{"tts enabled without key", `
api_base: http://localhost:8000
tts:
  enabled: true
  endpoint: https://api.example.com/v1/audio/speech
`},
		{"threshold out of range", `
api_base: http://localhost:8000
tts:
  enabled: false
vad:
  voice_threshold: 1.5
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.content)
			if _, err := LoadConfig(path); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
