package providers

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Espeak speaks through a local espeak or espeak-ng binary.
type Espeak struct {
	Path  string // binary name or path, "espeak-ng" when empty
	Voice string
	Rate  int // words per minute, 0 keeps the binary default
}

func (e Espeak) binary() string {
	if e.Path == "" {
		return "espeak-ng"
	}
	return e.Path
}

func (e Espeak) Info() Info {
	return Info{Name: "espeak", Cost: CostFree, Quality: QualityBasic}
}

func (e Espeak) Available(context.Context) bool {
	_, err := exec.LookPath(e.binary())
	return err == nil
}

func (e Espeak) Run(ctx context.Context, req SpeechRequest) (Speech, error) {
	if err := os.MkdirAll(req.Dir, 0o755); err != nil {
		return Speech{}, fmt.Errorf("create speech dir: %w", err)
	}
	out := filepath.Join(req.Dir, "speech-"+uuid.NewString()+".wav")

	args := []string{"-w", out}
	if e.Voice != "" {
		args = append(args, "-v", e.Voice)
	}
	if e.Rate > 0 {
		args = append(args, "-s", fmt.Sprint(e.Rate))
	}
	// Text on stdin keeps a leading dash from being read as a flag.
	args = append(args, "--stdin")

	cmd := exec.CommandContext(ctx, e.binary(), args...)
	cmd.Stdin = strings.NewReader(req.Text)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		os.Remove(out)
		return Speech{}, fmt.Errorf("espeak: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	if info, err := os.Stat(out); err != nil || info.Size() == 0 {
		os.Remove(out)
		return Speech{}, errEmptyAudio
	}
	return Speech{Path: out, MIMEType: "audio/wav"}, nil
}
