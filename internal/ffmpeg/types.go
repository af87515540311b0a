package ffmpeg

import (
	"bufio"
	"bytes"
	"strings"
	"sync"
	"time"
)

// RunResult describes a finished ffmpeg/ffprobe invocation.
type RunResult struct {
	ExitCode   int
	Stdout     []byte
	StderrTail string
	Duration   time.Duration
}

func (r RunResult) IsSuccess() bool {
	return r.ExitCode == 0
}

// Capabilities is what the local ffmpeg build can do, as reported by
// `ffmpeg -encoders` and `ffmpeg -version`.
type Capabilities struct {
	Version  string          `json:"version"`
	Encoders map[string]bool `json:"encoders"`
	ProbedAt time.Time       `json:"probed_at"`
}

func (c *Capabilities) HasEncoder(name string) bool {
	return c != nil && c.Encoders[name]
}

// HasAll reports whether every named encoder is available.
func (c *Capabilities) HasAll(names ...string) bool {
	for _, n := range names {
		if !c.HasEncoder(n) {
			return false
		}
	}
	return true
}

// parseEncoders reads the table printed by `ffmpeg -encoders`. Rows follow a
// " ------" separator and start with a six character flag column.
func parseEncoders(out []byte) map[string]bool {
	encoders := make(map[string]bool)
	sc := bufio.NewScanner(bytes.NewReader(out))
	inTable := false
	for sc.Scan() {
		line := sc.Text()
		if !inTable {
			if strings.HasPrefix(strings.TrimSpace(line), "------") {
				inTable = true
			}
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || len(fields[0]) != 6 {
			continue
		}
		switch fields[0][0] {
		case 'V', 'A', 'S':
			encoders[fields[1]] = true
		}
	}
	return encoders
}

// parseVersion returns the version token of the first `ffmpeg -version` line.
func parseVersion(out []byte) string {
	line, _, _ := strings.Cut(string(out), "\n")
	fields := strings.Fields(line)
	if len(fields) >= 3 && fields[1] == "version" {
		return fields[2]
	}
	return strings.TrimSpace(line)
}

// tailBuffer keeps only the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(p)
	t.buf.Write(p)
	if t.buf.Len() > t.limit {
		b := t.buf.Bytes()
		tail := append([]byte(nil), b[len(b)-t.limit:]...)
		t.buf.Reset()
		t.buf.Write(tail)
	}
	return n, nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}
