package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/seriesme/seriesme-agent/internal/api"
	"github.com/seriesme/seriesme-agent/internal/db"
	"github.com/seriesme/seriesme-agent/internal/events"
	"github.com/seriesme/seriesme-agent/internal/jobs"
	"github.com/seriesme/seriesme-agent/internal/library"
	"github.com/seriesme/seriesme-agent/internal/logging"
	"github.com/seriesme/seriesme-agent/internal/metrics"
	"github.com/seriesme/seriesme-agent/internal/playback"
	"github.com/seriesme/seriesme-agent/internal/providers"
	"github.com/seriesme/seriesme-agent/internal/ui"
)

var Version = "0.1.0"

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:          "seriesme-agent",
		Short:        "Turn a portrait and a short script into a captioned vertical clip",
		Version:      Version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	root.SilenceErrors = true
	root.SetOut(os.Stdout)
	root.SetErr(os.Stderr)

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the local agent with its HTTP API",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServe(cmd.Context())
			},
		},
		newRenderCmd(),
		newSubmitCmd(),
		newRecordCmd(),
		newDoctorCmd(),
	)

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	startTime := time.Now()

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	logger.Info("starting seriesme agent", "version", Version, "data_dir", logging.SanitizePath(cfg.DataDir()))
	metrics.MustRegister()

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	repo := library.NewRepository(database.Conn())

	deviceID, err := ensureDeviceID(ctx, repo)
	if err != nil {
		return fmt.Errorf("failed to ensure device ID: %w", err)
	}
	authToken, err := ensureAuthToken(ctx, repo)
	if err != nil {
		return fmt.Errorf("failed to ensure auth token: %w", err)
	}

	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════════════════════╗")
	fmt.Printf("║  SERIESME AGENT v%-56s ║\n", Version)
	fmt.Println("╠═══════════════════════════════════════════════════════════════════════════╣")
	fmt.Printf("║  API URL:    http://127.0.0.1:%-43d ║\n", cfg.Port())
	fmt.Printf("║  Auth Token: %-60s ║\n", authToken)
	fmt.Printf("║  Device ID:  %-60s ║\n", deviceID[:16]+"...")
	fmt.Println("╚═══════════════════════════════════════════════════════════════════════════╝")
	fmt.Println()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reg, closeReg, err := openRegistry(ctx, cfg, database, logger)
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	defer closeReg()

	media := newMediaStack(cfg, logger)
	probeCtx, probeCancel := context.WithTimeout(ctx, 15*time.Second)
	if caps, err := media.doctor.Refresh(probeCtx); err != nil {
		logger.Warn("initial encoder probe failed", "error", err)
	} else {
		logger.Info("encoder capabilities detected", "ffmpeg", caps.Version, "encoders", len(caps.Encoders))
	}
	probeCancel()

	bus := events.NewBus()
	orch := media.orchestrator(cfg, bus, logger)
	speech := speechChain(ctx, cfg.TTS(), logger)

	jobSvc := jobs.NewService(reg, jobs.ServiceConfig{UploadDir: cfg.UploadDir()}, logging.WithComponent(logger, "jobs"))
	runner := jobs.NewRunner(reg, orch, logging.WithComponent(logger, "runner"), jobs.RunnerConfig{
		MaxConcurrent: cfg.MaxConcurrent(),
		Speech:        providers.SpeechFunc(speech),
		Animate:       providers.AnimateFunc(animateChain(logger)),
		OnFinish: func(j *jobs.Job) {
			metrics.IncFinished(string(j.State))
		},
	})
	jobSvc.SetWaker(runner.Wake)

	stages := metrics.NewStageObserver()
	bus.Subscribe(runner.HandleEvent)
	bus.Subscribe(logging.StageLogger(logging.WithComponent(logger, "assemble")))
	bus.Subscribe(stages.Handle)

	go runner.Start(ctx)
	go jobs.NewSweeper(reg, cfg.Retention(), logging.WithComponent(logger, "sweeper")).Run(ctx)

	libSvc := library.NewService(repo, cfg.LibraryDir(), logging.WithComponent(logger, "library"))

	apiServer := api.NewServer(api.ServerConfig{
		Port:            cfg.Port(),
		Version:         Version,
		Jobs:            jobSvc,
		Library:         libSvc,
		Render:          cfg.Render(),
		Runner:          runner,
		Doctor:          media.doctor,
		Tokens:          repo,
		PlaybackServer:  playback.NewServer(logger),
		SpeechProviders: speech.Providers(),
		Metrics:         metrics.Handler(),
		Logger:          logger,
		StartTime:       startTime,
		DeviceID:        deviceID,
	})

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	quitCh := make(chan struct{})

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			close(quitCh)
		case <-quitCh:
		}
	}()

	if cfg.Headless() {
		logger.Info("running in headless mode (no system tray)")
	} else {
		tray := ui.NewTray(ui.TrayConfig{
			Jobs:   jobSvc,
			Runner: runner,
			Addr:   apiServer.Addr(),
			Logger: logging.WithComponent(logger, "tray"),
			OnOpenLibrary: func() error {
				return openFolder(cfg.LibraryDir())
			},
			OnQuit: func() {
				close(quitCh)
			},
		})
		go tray.Run()
	}

	<-quitCh

	logger.Info("initiating graceful shutdown")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}
	cancel()

	logger.Info("shutdown complete")
	return nil
}

// openFolder shows dir in the platform file manager.
func openFolder(dir string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", dir)
	case "windows":
		cmd = exec.Command("explorer", dir)
	default:
		cmd = exec.Command("xdg-open", dir)
	}
	return cmd.Start()
}
