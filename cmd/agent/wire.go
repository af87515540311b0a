package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"

	"github.com/seriesme/seriesme-agent/internal/assemble"
	"github.com/seriesme/seriesme-agent/internal/audio"
	"github.com/seriesme/seriesme-agent/internal/capture"
	"github.com/seriesme/seriesme-agent/internal/config"
	"github.com/seriesme/seriesme-agent/internal/db"
	"github.com/seriesme/seriesme-agent/internal/events"
	"github.com/seriesme/seriesme-agent/internal/ffmpeg"
	"github.com/seriesme/seriesme-agent/internal/jobs"
	"github.com/seriesme/seriesme-agent/internal/library"
	"github.com/seriesme/seriesme-agent/internal/logging"
	"github.com/seriesme/seriesme-agent/internal/metrics"
	"github.com/seriesme/seriesme-agent/internal/providers"
)

// loadConfig reads configuration, creates the data dir and builds the logger.
func loadConfig() (*config.EnvConfig, *slog.Logger, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	for _, dir := range []string{cfg.DataDir(), cfg.UploadDir(), cfg.WorkDir(), cfg.LibraryDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	logger := logging.NewLogger(cfg.LogLevel())
	if f := cfg.File(); f != "" {
		logger.Info("config file applied", "path", logging.SanitizePath(f))
	}
	return cfg, logger, nil
}

// mediaStack is the ffmpeg side of the agent. runner is nil when ffmpeg is
// not installed; the agent still serves the API and fails renders with a
// media error.
type mediaStack struct {
	runner  *ffmpeg.SubprocessRunner
	doctor  *ffmpeg.Doctor
	encoder *capture.Encoder
}

type missingFFmpeg struct{ err error }

func (m missingFFmpeg) Probe(context.Context) (*ffmpeg.Capabilities, error) {
	return nil, m.err
}

func newMediaStack(cfg config.Config, logger *slog.Logger) *mediaStack {
	fcfg := ffmpeg.DefaultConfig(logging.WithComponent(logger, "ffmpeg"))
	fcfg.FFmpegPath = cfg.FFmpegPath()
	fcfg.FFprobePath = cfg.FFprobePath()

	m := &mediaStack{}
	runner, err := ffmpeg.NewRunner(fcfg)
	var capRunner capture.Runner
	if err != nil {
		logger.Warn("ffmpeg unavailable, rendering disabled", "error", err)
		m.doctor = ffmpeg.NewDoctor(missingFFmpeg{err: err}, logger)
	} else {
		m.runner = runner
		capRunner = runner
		m.doctor = ffmpeg.NewDoctor(runner, logger)
	}
	m.encoder = capture.NewEncoder(capRunner, m.doctor, logging.WithComponent(logger, "capture"))
	return m
}

func (m *mediaStack) prober() audio.DurationProber {
	if m.runner == nil {
		return nil
	}
	return m.runner
}

func (m *mediaStack) orchestrator(cfg config.Config, pub events.Publisher, logger *slog.Logger) *assemble.Orchestrator {
	return assemble.New(
		assemble.FromCapture(m.encoder),
		m.prober(),
		pub,
		logging.WithComponent(logger, "assemble"),
		assemble.DefaultConfig(cfg.WorkDir()),
	)
}

// speechChain orders narration back ends from free and local to paid.
// Back ends without credentials are left out.
func speechChain(ctx context.Context, tts config.TTSConfig, logger *slog.Logger) *providers.Chain[providers.SpeechRequest, providers.Speech] {
	list := []providers.SpeechProvider{
		providers.Espeak{Path: tts.EspeakPath, Voice: tts.EspeakVoice},
	}
	if tts.GeminiKey != "" {
		g, err := providers.NewGeminiSpeech(ctx, tts.GeminiKey, tts.GeminiURL, tts.GeminiModel, tts.GeminiVoice)
		if err != nil {
			logger.Warn("gemini speech disabled", "error", err)
		} else {
			list = append(list, g)
		}
	}
	if tts.OpenAIKey != "" {
		o, err := providers.NewOpenAISpeech(tts.OpenAIKey, tts.OpenAIBaseURL, tts.OpenAIVoice)
		if err != nil {
			logger.Warn("openai speech disabled", "error", err)
		} else {
			list = append(list, o)
		}
	}
	if tts.ElevenLabsKey != "" {
		list = append(list, providers.NewElevenLabs(tts.ElevenLabsKey, tts.ElevenLabsVoice, tts.ElevenLabsEnabled))
	}

	return providers.NewChain(logging.WithComponent(logger, "speech"), list...).
		Observe(func(info providers.Info, err error) {
			metrics.ObserveProvider("speech", info.Name, err == nil)
		})
}

func animateChain(logger *slog.Logger) *providers.Chain[assemble.RenderOptions, assemble.RenderOptions] {
	return providers.NewChain[assemble.RenderOptions, assemble.RenderOptions](
		logging.WithComponent(logger, "animate"), providers.KenBurns{},
	).Observe(func(info providers.Info, err error) {
		metrics.ObserveProvider("animate", info.Name, err == nil)
	})
}

// openRegistry returns the configured job store and a function releasing it.
func openRegistry(ctx context.Context, cfg config.Config, database *db.DB, logger *slog.Logger) (jobs.Registry, func(), error) {
	switch cfg.JobStore() {
	case config.StoreMemory:
		return jobs.NewMemoryRegistry(), func() {}, nil
	case config.StoreRedis:
		reg, err := jobs.OpenRedis(ctx, cfg.Redis())
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using redis job store", "addr", cfg.Redis().Addr)
		return reg, func() { reg.Close() }, nil
	default:
		return jobs.NewSQLiteRegistry(database.Conn()), func() {}, nil
	}
}

func ensureDeviceID(ctx context.Context, repo library.Repository) (string, error) {
	return ensureConfigValue(ctx, repo, "device_id", 16)
}

func ensureAuthToken(ctx context.Context, repo library.Repository) (string, error) {
	return ensureConfigValue(ctx, repo, "auth_token", 32)
}

// ensureConfigValue returns the stored value for key, generating n random
// bytes hex-encoded on first run.
func ensureConfigValue(ctx context.Context, repo library.Repository, key string, n int) (string, error) {
	existing, err := repo.GetConfig(ctx, key)
	if err == nil && existing != "" {
		return existing, nil
	}

	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	value := hex.EncodeToString(b)

	if err := repo.SetConfig(ctx, key, value); err != nil {
		return "", err
	}
	return value, nil
}
