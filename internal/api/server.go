package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/seriesme/seriesme-agent/internal/assemble"
	"github.com/seriesme/seriesme-agent/internal/ffmpeg"
	"github.com/seriesme/seriesme-agent/internal/jobs"
	"github.com/seriesme/seriesme-agent/internal/library"
	"github.com/seriesme/seriesme-agent/internal/playback"
	"github.com/seriesme/seriesme-agent/internal/providers"
)

// RunnerControl is the part of the job runner the API reports on and steers.
type RunnerControl interface {
	IsRunning() bool
	IsPaused() bool
	Active() int
	Pause()
	Resume()
}

// CapabilitySource reports what the local ffmpeg can encode.
type CapabilitySource interface {
	Get(ctx context.Context) (*ffmpeg.Capabilities, error)
}

// TokenStore holds the bearer token under the "auth_token" key.
type TokenStore interface {
	GetConfig(ctx context.Context, key string) (string, error)
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

type ServerConfig struct {
	Port            int
	Version         string
	Jobs            *jobs.Service
	Library         *library.Service
	Render          assemble.RenderOptions // applied to every submitted job
	Runner          RunnerControl
	Doctor          CapabilitySource
	Tokens          TokenStore
	PlaybackServer  *playback.Server
	SpeechProviders []providers.Info
	Metrics         http.Handler // nil hides /metrics
	Logger          *slog.Logger
	StartTime       time.Time
	DeviceID        string
}

func NewServer(cfg ServerConfig) *Server {
	router := NewRouter(cfg)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("127.0.0.1:%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 0,
			IdleTimeout:  60 * time.Second,
		},
		logger: cfg.Logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}
