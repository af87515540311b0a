package ui

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/getlantern/systray"

	"github.com/seriesme/seriesme-agent/internal/jobs"
	"github.com/seriesme/seriesme-agent/internal/repeat"
)

// JobCounter is the part of the job service the tray summarizes.
type JobCounter interface {
	CountByState(ctx context.Context) (map[jobs.State]int, error)
}

// Pauser controls the job runner.
type Pauser interface {
	IsPaused() bool
	Pause()
	Resume()
}

type Tray struct {
	jobs   JobCounter
	runner Pauser
	addr   string
	logger *slog.Logger

	statusItem *systray.MenuItem
	jobsItem   *systray.MenuItem
	pauseItem  *systray.MenuItem

	mu      sync.Mutex
	refresh *repeat.Task

	onOpenLibrary func() error
	onQuit        func()
}

type TrayConfig struct {
	Jobs          JobCounter
	Runner        Pauser
	Addr          string // shown in the status tooltip
	Logger        *slog.Logger
	OnOpenLibrary func() error
	OnQuit        func()
}

func NewTray(cfg TrayConfig) *Tray {
	return &Tray{
		jobs:          cfg.Jobs,
		runner:        cfg.Runner,
		addr:          cfg.Addr,
		logger:        cfg.Logger,
		onOpenLibrary: cfg.OnOpenLibrary,
		onQuit:        cfg.OnQuit,
	}
}

// Run blocks on the platform event loop.
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

func (t *Tray) onReady() {
	systray.SetIcon(iconBytes())
	systray.SetTitle("SeriesMe")
	systray.SetTooltip("SeriesMe Agent on " + t.addr)

	t.statusItem = systray.AddMenuItem("Status: Idle", "Current agent status")
	t.statusItem.Disable()

	t.jobsItem = systray.AddMenuItem("Clips: none in progress", "Clip generation jobs")
	t.jobsItem.Disable()

	systray.AddSeparator()

	t.pauseItem = systray.AddMenuItem("Pause", "Stop starting new clips")
	libraryItem := systray.AddMenuItem("Open Library", "Show saved clips")

	systray.AddSeparator()

	quitItem := systray.AddMenuItem("Quit", "Quit SeriesMe Agent")

	t.refresh = repeat.Start(context.Background(), repeat.Every(2*time.Second), func(ctx context.Context, _ repeat.Tick) (bool, error) {
		t.refreshCounts(ctx)
		return false, nil
	})

	go func() {
		for {
			select {
			case <-t.pauseItem.ClickedCh:
				t.togglePause()
			case <-libraryItem.ClickedCh:
				t.handleOpenLibrary()
			case <-quitItem.ClickedCh:
				t.logger.Info("quit requested from tray")
				if t.onQuit != nil {
					t.onQuit()
				}
				systray.Quit()
				return
			}
		}
	}()

	t.logger.Info("system tray ready")
}

func (t *Tray) onExit() {
	if t.refresh != nil {
		t.refresh.Stop()
	}
	t.logger.Info("system tray exiting")
}

func (t *Tray) togglePause() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.runner == nil {
		return
	}

	if t.runner.IsPaused() {
		t.runner.Resume()
		t.pauseItem.SetTitle("Pause")
		t.statusItem.SetTitle("Status: Idle")
	} else {
		t.runner.Pause()
		t.pauseItem.SetTitle("Resume")
		t.statusItem.SetTitle("Status: Paused")
	}
}

func (t *Tray) handleOpenLibrary() {
	if t.onOpenLibrary != nil {
		if err := t.onOpenLibrary(); err != nil {
			t.logger.Error("failed to open library", "error", err)
		}
	}
}

func (t *Tray) refreshCounts(ctx context.Context) {
	if t.jobs == nil {
		return
	}
	counts, err := t.jobs.CountByState(ctx)
	if err != nil {
		t.logger.Debug("tray refresh failed", "error", err)
		return
	}
	status, summary := Summarize(counts)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobsItem.SetTitle("Clips: " + summary)
	if t.runner != nil && t.runner.IsPaused() {
		return
	}
	t.statusItem.SetTitle("Status: " + status)
}

// Summarize turns job counts into the tray's status word and job line.
func Summarize(counts map[jobs.State]int) (status, summary string) {
	rendering := counts[jobs.StateProcessing] + counts[jobs.StateAssembling]
	queued := counts[jobs.StateQueued]

	switch {
	case rendering > 0:
		status = "Rendering"
	case queued > 0:
		status = "Waiting"
	default:
		status = "Idle"
	}

	if rendering == 0 && queued == 0 {
		return status, fmt.Sprintf("none in progress, %d ready", counts[jobs.StateReady])
	}
	return status, fmt.Sprintf("%d rendering, %d queued", rendering, queued)
}

func (t *Tray) Quit() {
	systray.Quit()
}
