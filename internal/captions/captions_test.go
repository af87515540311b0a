package captions

import (
	"bytes"
	"testing"
)

func TestGenerate_CoversDuration(t *testing.T) {
	scripts := []string{
		"Hi there.",
		"One. Two! Three?",
		"Wait... what?! Really.",
		"no punctuation at all",
		"Trailing fragment. and more",
		"   ",
		"...",
	}
	durations := []float64{0.5, 3, 7.25, 20}

	for _, script := range scripts {
		for _, d := range durations {
			caps := Generate(script, d)
			if len(caps) == 0 {
				t.Fatalf("Generate(%q, %v) returned no captions", script, d)
			}
			if caps[0].Start != 0 {
				t.Errorf("Generate(%q, %v) first start = %v, want 0", script, d, caps[0].Start)
			}
			if last := caps[len(caps)-1].End; last != d {
				t.Errorf("Generate(%q, %v) last end = %v, want %v", script, d, last, d)
			}
			for i, c := range caps {
				if c.End < c.Start {
					t.Errorf("caption %d of %q has end %v < start %v", i, script, c.End, c.Start)
				}
				if c.End > d {
					t.Errorf("caption %d of %q exceeds duration: %v > %v", i, script, c.End, d)
				}
				if i > 0 && c.Start < caps[i-1].End-1e-9 {
					t.Errorf("caption %d of %q overlaps previous: %v < %v", i, script, c.Start, caps[i-1].End)
				}
			}
		}
	}
}

func TestGenerate_NoSentenceTerminator(t *testing.T) {
	caps := Generate("  hello world  ", 10)
	if len(caps) != 1 {
		t.Fatalf("len = %d, want 1", len(caps))
	}
	want := Caption{Text: "hello world", Start: 0, End: 10}
	if caps[0] != want {
		t.Errorf("caption = %+v, want %+v", caps[0], want)
	}
}

func TestGenerate_EqualSlots(t *testing.T) {
	caps := Generate("Short. A much much longer second sentence here!", 8)
	if len(caps) != 2 {
		t.Fatalf("len = %d, want 2", len(caps))
	}
	if caps[0].Text != "Short" || caps[1].Text != "A much much longer second sentence here" {
		t.Errorf("texts = %q, %q", caps[0].Text, caps[1].Text)
	}
	if caps[0].End != 4 || caps[1].Start != 4 {
		t.Errorf("slot boundary = %v/%v, want 4/4", caps[0].End, caps[1].Start)
	}
}

func TestActive(t *testing.T) {
	caps := Generate("One. Two. Three.", 9)

	tests := []struct {
		at   float64
		want string
		ok   bool
	}{
		{0, "One", true},
		{2.9, "One", true},
		{3, "One", true}, // boundary belongs to the first match
		{3.1, "Two", true},
		{9, "Three", true},
		{9.5, "", false},
		{-1, "", false},
	}
	for _, tt := range tests {
		got, ok := Active(caps, tt.at)
		if ok != tt.ok || got.Text != tt.want {
			t.Errorf("Active(%v) = %q,%v want %q,%v", tt.at, got.Text, ok, tt.want, tt.ok)
		}
	}
}

func TestWriteSRT(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSRT(&buf, Generate("Hi there. Bye!", 3.5)); err != nil {
		t.Fatalf("WriteSRT() error = %v", err)
	}
	want := "1\n00:00:00,000 --> 00:00:01,750\nHi there\n\n" +
		"2\n00:00:01,750 --> 00:00:03,500\nBye\n\n"
	if buf.String() != want {
		t.Errorf("WriteSRT() =\n%q\nwant\n%q", buf.String(), want)
	}
}

func TestSrtTime(t *testing.T) {
	tests := map[float64]string{
		0:      "00:00:00,000",
		1.25:   "00:00:01,250",
		61.25:  "00:01:01,250",
		3725.5: "01:02:05,500",
		-3:     "00:00:00,000",
	}
	for in, want := range tests {
		if got := srtTime(in); got != want {
			t.Errorf("srtTime(%v) = %q, want %q", in, got, want)
		}
	}
}
