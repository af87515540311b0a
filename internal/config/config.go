// Package config provides configuration management for the SeriesMe Agent.
// Defaults are overlaid by an optional YAML file and then by environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seriesme/seriesme-agent/internal/assemble"
	"github.com/seriesme/seriesme-agent/internal/jobs"
)

const (
	// Default values
	DefaultPort     = 8787
	DefaultLogLevel = "info"
	DefaultDataDir  = ".seriesme"

	DefaultJobStore      = StoreSQLite
	DefaultRetention     = 5 * time.Minute
	DefaultMaxConcurrent = 1
	DefaultRedisAddr     = "127.0.0.1:6379"

	// Job stores
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
	StoreRedis  = "redis"

	// Environment variable names
	EnvConfigFile = "SERIESME_CONFIG"
	EnvPort       = "SERIESME_PORT"
	EnvLogLevel   = "SERIESME_LOG_LEVEL"
	EnvDataDir    = "SERIESME_DATA_DIR"
	EnvHeadless   = "SERIESME_HEADLESS"

	EnvJobStore      = "SERIESME_JOB_STORE"
	EnvMaxConcurrent = "SERIESME_MAX_CONCURRENT"
	EnvRetention     = "SERIESME_RETENTION"
	EnvRedisAddr     = "SERIESME_REDIS_ADDR"
	EnvRedisPassword = "SERIESME_REDIS_PASSWORD"
	EnvRedisDB       = "SERIESME_REDIS_DB"

	EnvFFmpegPath      = "SERIESME_FFMPEG_PATH"
	EnvFFprobePath     = "SERIESME_FFPROBE_PATH"
	EnvCaptureDevice   = "SERIESME_CAPTURE_DEVICE"
	EnvCaptureFormat   = "SERIESME_CAPTURE_FORMAT"
	EnvWatermark       = "SERIESME_WATERMARK"
	EnvMaxDuration     = "SERIESME_MAX_DURATION"
	EnvPollMaxAttempts = "SERIESME_POLL_MAX_ATTEMPTS"
	EnvPollMaxFailures = "SERIESME_POLL_MAX_FAILURES"

	EnvElevenLabsKey     = "SERIESME_ELEVENLABS_API_KEY"
	EnvElevenLabsVoice   = "SERIESME_ELEVENLABS_VOICE"
	EnvElevenLabsEnabled = "SERIESME_ELEVENLABS_ENABLED"
	EnvOpenAIKey         = "SERIESME_OPENAI_API_KEY"
	EnvOpenAIBaseURL     = "SERIESME_OPENAI_BASE_URL"
	EnvGeminiKey         = "SERIESME_GEMINI_API_KEY"
	EnvGeminiURL         = "SERIESME_GEMINI_URL"
	EnvEspeakPath        = "SERIESME_ESPEAK_PATH"

	// Database filename
	DBFilename = "seriesme.db"
	// Config file looked up in the data dir when SERIESME_CONFIG is unset
	ConfigFilename = "config.yaml"
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	DataDir() string
	DBPath() string
	UploadDir() string
	WorkDir() string
	LibraryDir() string
	Headless() bool

	JobStore() string
	Redis() jobs.RedisOptions
	MaxConcurrent() int
	Retention() time.Duration
	Poll() jobs.PollConfig

	FFmpegPath() string
	FFprobePath() string
	CaptureDevice() (format, name string)
	Render() assemble.RenderOptions

	TTS() TTSConfig
}

// TTSConfig holds narration provider settings. A provider without a key is
// skipped by the chain.
type TTSConfig struct {
	EspeakPath        string `yaml:"espeak_path"`
	EspeakVoice       string `yaml:"espeak_voice"`
	GeminiKey         string `yaml:"gemini_key"`
	GeminiURL         string `yaml:"gemini_url"`
	GeminiModel       string `yaml:"gemini_model"`
	GeminiVoice       string `yaml:"gemini_voice"`
	OpenAIKey         string `yaml:"openai_key"`
	OpenAIBaseURL     string `yaml:"openai_base_url"`
	OpenAIVoice       string `yaml:"openai_voice"`
	ElevenLabsKey     string `yaml:"elevenlabs_key"`
	ElevenLabsVoice   string `yaml:"elevenlabs_voice"`
	ElevenLabsEnabled bool   `yaml:"elevenlabs_enabled"`
}

// fileConfig mirrors the YAML layout. Pointers distinguish "unset" from a
// zero value.
type fileConfig struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	DataDir  string `yaml:"data_dir"`
	Headless *bool  `yaml:"headless"`

	Jobs struct {
		Store         string        `yaml:"store"`
		MaxConcurrent int           `yaml:"max_concurrent"`
		Retention     time.Duration `yaml:"retention"`
	} `yaml:"jobs"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	FFmpeg struct {
		Path        string `yaml:"path"`
		ProbePath   string `yaml:"probe_path"`
		InputFormat string `yaml:"input_format"`
		Device      string `yaml:"device"`
	} `yaml:"ffmpeg"`

	Render struct {
		Width       int     `yaml:"width"`
		Height      int     `yaml:"height"`
		FPS         int     `yaml:"fps"`
		KenBurns    *bool   `yaml:"ken_burns"`
		Watermark   *string `yaml:"watermark"`
		MaxDuration float64 `yaml:"max_duration"`
	} `yaml:"render"`

	Poll struct {
		Schedule               []jobs.Step `yaml:"schedule"`
		MaxAttempts            int         `yaml:"max_attempts"`
		MaxConsecutiveFailures int         `yaml:"max_consecutive_failures"`
	} `yaml:"poll"`

	TTS TTSConfig `yaml:"tts"`
}

// EnvConfig is the resolved configuration.
type EnvConfig struct {
	port     int
	logLevel string
	dataDir  string
	headless bool

	jobStore      string
	redis         jobs.RedisOptions
	maxConcurrent int
	retention     time.Duration
	poll          jobs.PollConfig

	ffmpegPath    string
	ffprobePath   string
	captureFormat string
	captureDevice string
	render        assemble.RenderOptions

	tts TTSConfig

	file string // YAML file that was applied, if any
}

// New creates a new EnvConfig from defaults, the YAML file and environment
// variable overrides
func New() (*EnvConfig, error) {
	inputFormat, device := defaultCaptureDevice()
	cfg := &EnvConfig{
		port:          DefaultPort,
		logLevel:      DefaultLogLevel,
		dataDir:       defaultDataDir(),
		jobStore:      DefaultJobStore,
		redis:         jobs.RedisOptions{Addr: DefaultRedisAddr},
		maxConcurrent: DefaultMaxConcurrent,
		retention:     DefaultRetention,
		poll:          jobs.DefaultPollConfig(),
		captureFormat: inputFormat,
		captureDevice: device,
		render:        assemble.DefaultRenderOptions(),
	}

	// The data dir decides where config.yaml lives, so read it first.
	if dd := os.Getenv(EnvDataDir); dd != "" {
		cfg.dataDir = dd
	}

	path := os.Getenv(EnvConfigFile)
	explicit := path != ""
	if !explicit {
		path = filepath.Join(cfg.dataDir, ConfigFilename)
	}
	if err := cfg.loadFile(path, explicit); err != nil {
		return nil, err
	}
	if dd := os.Getenv(EnvDataDir); dd != "" {
		cfg.dataDir = dd
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *EnvConfig) loadFile(path string, required bool) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	var f fileConfig
	if err := yaml.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	if f.Port != 0 {
		c.port = f.Port
	}
	if f.LogLevel != "" {
		c.logLevel = f.LogLevel
	}
	if f.DataDir != "" {
		c.dataDir = expandHome(f.DataDir)
	}
	if f.Headless != nil {
		c.headless = *f.Headless
	}

	if f.Jobs.Store != "" {
		c.jobStore = f.Jobs.Store
	}
	if f.Jobs.MaxConcurrent != 0 {
		c.maxConcurrent = f.Jobs.MaxConcurrent
	}
	if f.Jobs.Retention != 0 {
		c.retention = f.Jobs.Retention
	}
	if f.Redis.Addr != "" {
		c.redis.Addr = f.Redis.Addr
	}
	c.redis.Password = f.Redis.Password
	c.redis.DB = f.Redis.DB

	c.ffmpegPath = f.FFmpeg.Path
	c.ffprobePath = f.FFmpeg.ProbePath
	if f.FFmpeg.InputFormat != "" {
		c.captureFormat = f.FFmpeg.InputFormat
	}
	if f.FFmpeg.Device != "" {
		c.captureDevice = f.FFmpeg.Device
	}

	if f.Render.Width != 0 {
		c.render.Width = f.Render.Width
	}
	if f.Render.Height != 0 {
		c.render.Height = f.Render.Height
	}
	if f.Render.FPS != 0 {
		c.render.FPS = f.Render.FPS
	}
	if f.Render.KenBurns != nil {
		c.render.KenBurns = *f.Render.KenBurns
	}
	if f.Render.Watermark != nil {
		c.render.Watermark = *f.Render.Watermark
	}
	if f.Render.MaxDuration != 0 {
		c.render.MaxDuration = f.Render.MaxDuration
	}

	if len(f.Poll.Schedule) > 0 {
		c.poll.Schedule = f.Poll.Schedule
	}
	if f.Poll.MaxAttempts != 0 {
		c.poll.MaxAttempts = f.Poll.MaxAttempts
	}
	if f.Poll.MaxConsecutiveFailures != 0 {
		c.poll.MaxConsecutiveFailures = f.Poll.MaxConsecutiveFailures
	}

	c.tts = f.TTS
	c.file = path
	return nil
}

func (c *EnvConfig) applyEnv() error {
	// Override port from environment
	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		c.port = port
	}

	if ll := os.Getenv(EnvLogLevel); ll != "" {
		c.logLevel = ll
	}
	if v := os.Getenv(EnvHeadless); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvHeadless, err)
		}
		c.headless = b
	}

	if v := os.Getenv(EnvJobStore); v != "" {
		c.jobStore = strings.ToLower(v)
	}
	if err := envInt(EnvMaxConcurrent, &c.maxConcurrent); err != nil {
		return err
	}
	if v := os.Getenv(EnvRetention); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvRetention, err)
		}
		c.retention = d
	}
	envString(EnvRedisAddr, &c.redis.Addr)
	envString(EnvRedisPassword, &c.redis.Password)
	if err := envInt(EnvRedisDB, &c.redis.DB); err != nil {
		return err
	}

	envString(EnvFFmpegPath, &c.ffmpegPath)
	envString(EnvFFprobePath, &c.ffprobePath)
	envString(EnvCaptureFormat, &c.captureFormat)
	envString(EnvCaptureDevice, &c.captureDevice)
	if v, ok := os.LookupEnv(EnvWatermark); ok {
		c.render.Watermark = v
	}
	if v := os.Getenv(EnvMaxDuration); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvMaxDuration, err)
		}
		c.render.MaxDuration = f
	}
	if err := envInt(EnvPollMaxAttempts, &c.poll.MaxAttempts); err != nil {
		return err
	}
	if err := envInt(EnvPollMaxFailures, &c.poll.MaxConsecutiveFailures); err != nil {
		return err
	}

	envString(EnvElevenLabsKey, &c.tts.ElevenLabsKey)
	envString(EnvElevenLabsVoice, &c.tts.ElevenLabsVoice)
	if v := os.Getenv(EnvElevenLabsEnabled); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvElevenLabsEnabled, err)
		}
		c.tts.ElevenLabsEnabled = b
	}
	envString(EnvOpenAIKey, &c.tts.OpenAIKey)
	envString(EnvOpenAIBaseURL, &c.tts.OpenAIBaseURL)
	envString(EnvGeminiKey, &c.tts.GeminiKey)
	envString(EnvGeminiURL, &c.tts.GeminiURL)
	envString(EnvEspeakPath, &c.tts.EspeakPath)
	return nil
}

func (c *EnvConfig) validate() error {
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 1 and 65535", c.port)
	}
	switch c.jobStore {
	case StoreSQLite, StoreMemory, StoreRedis:
	default:
		return fmt.Errorf("invalid job store %q: want sqlite, memory or redis", c.jobStore)
	}
	if c.jobStore == StoreRedis && c.redis.Addr == "" {
		return errors.New("redis addr is required for the redis job store")
	}
	if c.maxConcurrent < 1 {
		return fmt.Errorf("invalid max concurrent renders %d", c.maxConcurrent)
	}
	if c.retention <= 0 {
		return fmt.Errorf("invalid retention %s", c.retention)
	}
	if c.render.Width <= 0 || c.render.Height <= 0 || c.render.FPS <= 0 {
		return fmt.Errorf("invalid render size %dx%d@%d", c.render.Width, c.render.Height, c.render.FPS)
	}
	if c.render.MaxDuration <= 0 {
		return fmt.Errorf("invalid max duration %v", c.render.MaxDuration)
	}
	if c.poll.MaxAttempts < 1 || c.poll.MaxConsecutiveFailures < 1 {
		return errors.New("poll max attempts and max consecutive failures must be positive")
	}
	for i, s := range c.poll.Schedule {
		if s.Interval <= 0 {
			return fmt.Errorf("poll schedule step %d has no interval", i)
		}
	}
	return nil
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

// UploadDir holds per-job uploads.
func (c *EnvConfig) UploadDir() string {
	return filepath.Join(c.dataDir, "uploads")
}

// WorkDir holds rendered job results until the sweeper evicts them.
func (c *EnvConfig) WorkDir() string {
	return filepath.Join(c.dataDir, "out")
}

func (c *EnvConfig) LibraryDir() string {
	return filepath.Join(c.dataDir, "library")
}

func (c *EnvConfig) Headless() bool {
	return c.headless
}

func (c *EnvConfig) JobStore() string {
	return c.jobStore
}

func (c *EnvConfig) Redis() jobs.RedisOptions {
	return c.redis
}

func (c *EnvConfig) MaxConcurrent() int {
	return c.maxConcurrent
}

func (c *EnvConfig) Retention() time.Duration {
	return c.retention
}

func (c *EnvConfig) Poll() jobs.PollConfig {
	p := c.poll
	p.Schedule = append([]jobs.Step(nil), c.poll.Schedule...)
	return p
}

func (c *EnvConfig) FFmpegPath() string {
	return c.ffmpegPath
}

func (c *EnvConfig) FFprobePath() string {
	return c.ffprobePath
}

// CaptureDevice returns the ffmpeg input format and device name used for
// microphone recording.
func (c *EnvConfig) CaptureDevice() (string, string) {
	return c.captureFormat, c.captureDevice
}

func (c *EnvConfig) Render() assemble.RenderOptions {
	return c.render
}

func (c *EnvConfig) TTS() TTSConfig {
	return c.tts
}

// File is the YAML file that was applied, empty when none was found.
func (c *EnvConfig) File() string {
	return c.file
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// defaultCaptureDevice is the platform's default microphone for ffmpeg.
func defaultCaptureDevice() (string, string) {
	switch runtime.GOOS {
	case "darwin":
		return "avfoundation", ":0"
	case "windows":
		return "dshow", "audio=default"
	default:
		return "pulse", "default"
	}
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
