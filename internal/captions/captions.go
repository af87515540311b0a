// Package captions produces timed caption cues for a script.
package captions

import (
	"fmt"
	"io"
	"regexp"
	"strings"
)

var sentenceBreak = regexp.MustCompile(`[.!?]+`)

// Caption is a text fragment shown during [Start, End], in seconds.
type Caption struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Generate splits text into sentences and gives each an equal share of duration.
// Slots are time-equal, not length-weighted. A script without any sentence yields a
// single caption covering the whole duration.
func Generate(text string, duration float64) []Caption {
	if duration < 0 {
		duration = 0
	}

	var sentences []string
	for _, s := range sentenceBreak.Split(text, -1) {
		if s = strings.TrimSpace(s); s != "" {
			sentences = append(sentences, s)
		}
	}

	if len(sentences) == 0 {
		return []Caption{{Text: strings.TrimSpace(text), Start: 0, End: duration}}
	}

	n := len(sentences)
	slot := duration / float64(n)
	out := make([]Caption, n)
	for i, s := range sentences {
		end := float64(i+1) * slot
		if i == n-1 {
			end = duration
		}
		out[i] = Caption{Text: s, Start: float64(i) * slot, End: end}
	}
	return out
}

// Active returns the first caption whose interval contains t.
func Active(caps []Caption, t float64) (Caption, bool) {
	for _, c := range caps {
		if t >= c.Start && t <= c.End {
			return c, true
		}
	}
	return Caption{}, false
}

// WriteSRT renders caps as a SubRip document.
func WriteSRT(w io.Writer, caps []Caption) error {
	for i, c := range caps {
		if _, err := fmt.Fprintf(w, "%d\n%s --> %s\n%s\n\n", i+1, srtTime(c.Start), srtTime(c.End), c.Text); err != nil {
			return err
		}
	}
	return nil
}

func srtTime(sec float64) string {
	if sec < 0 {
		sec = 0
	}
	ms := int64(sec*1000 + 0.5)
	h := ms / 3_600_000
	ms -= h * 3_600_000
	m := ms / 60_000
	ms -= m * 60_000
	s := ms / 1000
	ms -= s * 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}
