package ui

import (
	"bytes"
	"image/png"
	"testing"

	"github.com/seriesme/seriesme-agent/internal/jobs"
)

func TestSummarize(t *testing.T) {
	tests := []struct {
		name        string
		counts      map[jobs.State]int
		wantStatus  string
		wantSummary string
	}{
		{"empty", nil, "Idle", "none in progress, 0 ready"},
		{"only finished", map[jobs.State]int{jobs.StateReady: 3, jobs.StateError: 1}, "Idle", "none in progress, 3 ready"},
		{"queued", map[jobs.State]int{jobs.StateQueued: 2}, "Waiting", "0 rendering, 2 queued"},
		{"rendering", map[jobs.State]int{jobs.StateProcessing: 1, jobs.StateAssembling: 1, jobs.StateQueued: 4}, "Rendering", "2 rendering, 4 queued"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, summary := Summarize(tt.counts)
			if status != tt.wantStatus || summary != tt.wantSummary {
				t.Errorf("Summarize() = %q, %q, want %q, %q", status, summary, tt.wantStatus, tt.wantSummary)
			}
		})
	}
}

func TestIconIsPNG(t *testing.T) {
	img, err := png.Decode(bytes.NewReader(iconBytes()))
	if err != nil {
		t.Fatalf("png.Decode() error = %v", err)
	}
	if b := img.Bounds(); b.Dx() != 32 || b.Dy() != 32 {
		t.Errorf("icon bounds = %v", b)
	}
}
