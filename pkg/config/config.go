// Package config loads the YAML configuration surface. Every tunable the
// pipeline consumes is a named, overridable value with a default; nothing
// is a hard-coded literal at the call sites.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Environment string           `mapstructure:"environment"`
	LogLevel    string           `mapstructure:"log_level"`
	APIBase     string           `mapstructure:"api_base"`
	VAD         VADConfig        `mapstructure:"vad"`
	Audio       AudioConfig      `mapstructure:"audio"`
	STT         STTConfig        `mapstructure:"stt"`
	Chat        ChatConfig       `mapstructure:"chat"`
	TTS         TTSConfig        `mapstructure:"tts"`
	Retry       RetryConfig      `mapstructure:"retry"`
	Vendors     VendorsConfig    `mapstructure:"vendors"`
	Transports  TransportsConfig `mapstructure:"transports"`
}

type VADConfig struct {
	VoiceThreshold         float64 `mapstructure:"voice_threshold"`
	DetectionIntervalMS    int     `mapstructure:"detection_interval_ms"`
	VoiceConfirmFrames     int     `mapstructure:"voice_confirm_frames"`
	SilenceThresholdMS     int     `mapstructure:"silence_threshold_ms"`
	MaxUtteranceDurationMS int     `mapstructure:"max_utterance_duration_ms"`
}

func (c VADConfig) DetectionInterval() time.Duration {
	return time.Duration(c.DetectionIntervalMS) * time.Millisecond
}

func (c VADConfig) SilenceThreshold() time.Duration {
	return time.Duration(c.SilenceThresholdMS) * time.Millisecond
}

func (c VADConfig) MaxUtteranceDuration() time.Duration {
	return time.Duration(c.MaxUtteranceDurationMS) * time.Millisecond
}

type AudioConfig struct {
	PreRollBufferMS int `mapstructure:"pre_roll_buffer_ms"`
	SampleRate      int `mapstructure:"sample_rate"`
	MeterWindow     int `mapstructure:"meter_window"`
}

func (c AudioConfig) PreRollBuffer() time.Duration {
	return time.Duration(c.PreRollBufferMS) * time.Millisecond
}

type STTConfig struct {
	TimeoutMS       int    `mapstructure:"timeout_ms"`
	MaxPayloadBytes int64  `mapstructure:"max_payload_bytes"`
	Language        string `mapstructure:"language"`
}

func (c STTConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

type ChatConfig struct {
	TimeoutMS int `mapstructure:"timeout_ms"`
}

func (c ChatConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

type TTSConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	Voice     string `mapstructure:"voice"`
	Format    string `mapstructure:"response_format"`
	TimeoutMS int    `mapstructure:"timeout_ms"`
}

func (c TTSConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

type RetryConfig struct {
	Attempts  int `mapstructure:"attempts"`
	BackoffMS int `mapstructure:"backoff_ms"`
}

func (c RetryConfig) Backoff() time.Duration {
	return time.Duration(c.BackoffMS) * time.Millisecond
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT VendorConfig `mapstructure:"stt"`
}

type TransportsConfig struct {
	Listen   string         `mapstructure:"listen"`
	Settings map[string]any `mapstructure:"settings"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("vad.voice_threshold", 0.12)
	v.SetDefault("vad.detection_interval_ms", 100)
	v.SetDefault("vad.voice_confirm_frames", 3)
	v.SetDefault("vad.silence_threshold_ms", 2000)
	v.SetDefault("vad.max_utterance_duration_ms", 30000)
	v.SetDefault("audio.pre_roll_buffer_ms", 3000)
	v.SetDefault("audio.sample_rate", 16000)
	v.SetDefault("audio.meter_window", 1024)
	v.SetDefault("stt.timeout_ms", 30000)
	v.SetDefault("stt.max_payload_bytes", 25<<20)
	v.SetDefault("stt.language", "auto")
	v.SetDefault("chat.timeout_ms", 60000)
	v.SetDefault("tts.enabled", true)
	v.SetDefault("tts.model", "tts-1")
	v.SetDefault("tts.voice", "alloy")
	v.SetDefault("tts.response_format", "mp3")
	v.SetDefault("tts.timeout_ms", 30000)
	v.SetDefault("retry.attempts", 2)
	v.SetDefault("retry.backoff_ms", 200)
	v.SetDefault("vendors.stt.provider", "dify")
	v.SetDefault("transports.listen", ":8080")

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.APIBase) == "" {
		return fmt.Errorf("api_base is required")
	}
	switch c.Vendors.STT.Provider {
	case "dify", "deepgram":
	default:
		return fmt.Errorf("vendors.stt.provider must be dify or deepgram, got %q", c.Vendors.STT.Provider)
	}
	if c.TTS.Enabled {
		if strings.TrimSpace(c.TTS.Endpoint) == "" {
			return fmt.Errorf("tts.endpoint is required when tts is enabled")
		}
		if strings.TrimSpace(c.TTS.APIKey) == "" {
			return fmt.Errorf("tts.api_key is required when tts is enabled")
		}
	}
	if c.VAD.VoiceThreshold <= 0 || c.VAD.VoiceThreshold >= 1 {
		return fmt.Errorf("vad.voice_threshold must be in (0,1), got %v", c.VAD.VoiceThreshold)
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Transports.Settings = expandSettings(cfg.Transports.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	}
}
