package providers

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// SpeechRequest asks for narration of Text written into Dir.
type SpeechRequest struct {
	Text string
	Dir  string
}

// Speech is a synthesized narration file.
type Speech struct {
	Path     string
	MIMEType string
}

type SpeechProvider = Provider[SpeechRequest, Speech]

// SpeechFunc adapts a speech chain to the job runner's narration hook.
func SpeechFunc(chain *Chain[SpeechRequest, Speech]) func(ctx context.Context, text, dir string) (string, error) {
	return func(ctx context.Context, text, dir string) (string, error) {
		s, _, err := chain.Run(ctx, SpeechRequest{Text: text, Dir: dir})
		if err != nil {
			return "", err
		}
		return s.Path, nil
	}
}

var errEmptyAudio = errors.New("provider returned no audio")

func writeSpeech(dir, ext, mime string, data []byte) (Speech, error) {
	if len(data) == 0 {
		return Speech{}, errEmptyAudio
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Speech{}, fmt.Errorf("create speech dir: %w", err)
	}
	path := filepath.Join(dir, "speech-"+uuid.NewString()+ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Speech{}, fmt.Errorf("write speech: %w", err)
	}
	return Speech{Path: path, MIMEType: mime}, nil
}

// pcmToWAV wraps signed 16-bit little-endian PCM in a RIFF header.
func pcmToWAV(pcm []byte, sampleRate, channels int) []byte {
	const bitsPerSample = 16
	blockAlign := channels * bitsPerSample / 8
	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVEfmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*blockAlign))
	binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}

// pcmRate reads the rate parameter of an "audio/L16;codec=pcm;rate=24000"
// style MIME type.
func pcmRate(mime string, fallback int) int {
	for _, part := range strings.Split(mime, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(k, "rate") {
			continue
		}
		var rate int
		if _, err := fmt.Sscanf(v, "%d", &rate); err == nil && rate > 0 {
			return rate
		}
	}
	return fallback
}
