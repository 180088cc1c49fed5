package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dimiro1/banner"

	"github.com/pxlames/dify-voice-agent/pkg/audio"
	"github.com/pxlames/dify-voice-agent/pkg/chat"
	"github.com/pxlames/dify-voice-agent/pkg/config"
	"github.com/pxlames/dify-voice-agent/pkg/configutil"
	"github.com/pxlames/dify-voice-agent/pkg/logging"
	"github.com/pxlames/dify-voice-agent/pkg/metrics"
	"github.com/pxlames/dify-voice-agent/pkg/observers"
	"github.com/pxlames/dify-voice-agent/pkg/recorder"
	"github.com/pxlames/dify-voice-agent/pkg/resilience"
	"github.com/pxlames/dify-voice-agent/pkg/stt"
	"github.com/pxlames/dify-voice-agent/pkg/stt/deepgram"
	"github.com/pxlames/dify-voice-agent/pkg/stt/dify"
	"github.com/pxlames/dify-voice-agent/pkg/transports/browser"
	"github.com/pxlames/dify-voice-agent/pkg/tts"
	"github.com/pxlames/dify-voice-agent/pkg/turn"
	"github.com/pxlames/dify-voice-agent/pkg/vad"
)

const version = "dev"

func printBanner() {
	tpl := "{{ .Title \"VOICEAGENT\" \"\" 0 }}\nVersion: " + version + "\n"
	banner.Init(os.Stdout, true, true, bytes.NewBufferString(tpl))
}

type deepgramSettings struct {
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	Language   string `mapstructure:"language"`
	SampleRate int    `mapstructure:"sample_rate"`
}

func buildSTT(cfg config.Config, retry resilience.RetryPolicy) (stt.Client, error) {
	switch cfg.Vendors.STT.Provider {
	case "deepgram":
		var settings deepgramSettings
		if err := configutil.DecodeSettings(cfg.Vendors.STT.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.stt.settings.api_key"); err != nil {
			return nil, err
		}
		sampleRate := settings.SampleRate
		if sampleRate == 0 {
			sampleRate = cfg.Audio.SampleRate
		}
		return deepgram.New(deepgram.Config{
			APIKey:     settings.APIKey,
			Model:      settings.Model,
			Language:   settings.Language,
			SampleRate: sampleRate,
			Timeout:    cfg.STT.Timeout(),
		}), nil
	default:
		return dify.New(dify.Config{
			BaseURL:         cfg.APIBase,
			Language:        cfg.STT.Language,
			Timeout:         cfg.STT.Timeout(),
			MaxPayloadBytes: cfg.STT.MaxPayloadBytes,
			Retry:           retry,
		}), nil
	}
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	printBanner()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("config load failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := logging.SetDefaultLogger(cfg.LogLevel)

	retry := resilience.NewRetryPolicy(cfg.Retry.Attempts, cfg.Retry.Backoff())

	meter := audio.NewPCMMeter(cfg.Audio.MeterWindow)
	buffer := audio.NewRollingBuffer(cfg.Audio.PreRollBuffer())
	rec := recorder.New(recorder.SelectEncoder(cfg.Audio.SampleRate))

	sttClient, err := buildSTT(cfg, retry)
	if err != nil {
		logger.Error("stt setup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	chatClient := chat.New(chat.Config{
		BaseURL: cfg.APIBase,
		Timeout: cfg.Chat.Timeout(),
		Retry:   retry,
	})

	synth := tts.NewSynthesizer(tts.SynthConfig{
		Endpoint: cfg.TTS.Endpoint,
		APIKey:   cfg.TTS.APIKey,
		Model:    cfg.TTS.Model,
		Voice:    cfg.TTS.Voice,
		Format:   cfg.TTS.Format,
		Timeout:  cfg.TTS.Timeout(),
		Retry:    retry,
		Breaker:  resilience.NewCircuitBreaker(3, 30*time.Second),
	})

	var transportCfg browser.Config
	if err := configutil.DecodeSettings(cfg.Transports.Settings, &transportCfg); err != nil {
		logger.Error("transport setup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if transportCfg.ServerAddr == "" {
		transportCfg.ServerAddr = cfg.Transports.Listen
	}
	transport := browser.New(transportCfg)

	player := tts.NewPlayer(synth, transport, cfg.TTS.Enabled)

	observer := metrics.NewAsyncObserver(observers.NewMultiObserver(
		observers.NewLoggerObserver(logger),
		observers.NewLatencyObserver(logger),
	), 256)
	defer observer.Close()

	coord := turn.NewCoordinator(turn.Deps{
		Buffer:   buffer,
		Recorder: rec,
		STT:      sttClient,
		Chat:     turn.NewAnswerClient(chatClient),
		Speech:   player,
		Observer: observer,
		Status:   transport,
	})
	coord.AddStateListener(transport)
	transport.Bind(coord, meter)

	detector := vad.NewDetector(vad.Config{
		VoiceThreshold:       cfg.VAD.VoiceThreshold,
		DetectionInterval:    cfg.VAD.DetectionInterval(),
		VoiceConfirmFrames:   cfg.VAD.VoiceConfirmFrames,
		SilenceThreshold:     cfg.VAD.SilenceThreshold(),
		MaxUtteranceDuration: cfg.VAD.MaxUtteranceDuration(),
	}, coord.Busy)
	runner := vad.NewRunner(detector, meter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := coord.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("coordinator stopped", slog.String("error", err.Error()))
		}
	}()
	go func() {
		for ev := range runner.Events() {
			coord.OnVADEvent(ev)
		}
	}()
	go func() {
		if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			coord.OnDeviceLost(err)
		}
	}()

	if err := transport.Start(ctx); err != nil {
		logger.Error("transport start failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("voiceagent started",
		slog.String("listen", transportCfg.ServerAddr),
		slog.String("stt_provider", cfg.Vendors.STT.Provider),
		slog.Bool("tts_enabled", cfg.TTS.Enabled),
		slog.String("environment", cfg.Environment))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	cancel()
	_ = transport.Stop()
	meter.Close()
}
