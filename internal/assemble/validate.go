package assemble

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/seriesme/seriesme-agent/internal/apperr"
)

const (
	MaxImageBytes   = 10 << 20
	MaxAudioBytes   = 10 << 20
	MaxScriptLength = 200
)

var allowedImageTypes = map[string]string{
	"image/jpeg": "image/jpeg",
	"image/jpg":  "image/jpeg",
	"image/png":  "image/png",
}

// NormalizeScript returns the NFC form of the trimmed script.
func NormalizeScript(script string) string {
	return norm.NFC.String(strings.TrimSpace(script))
}

// ValidateScript checks the length of the normalized script in characters.
func ValidateScript(script string) error {
	s := NormalizeScript(script)
	if s == "" {
		return apperr.Validation("validate", "Script text is required")
	}
	if !utf8.ValidString(s) {
		return apperr.Validation("validate", "Script text is not valid UTF-8")
	}
	if n := utf8.RuneCountInString(s); n > MaxScriptLength {
		return apperr.Validation("validate", fmt.Sprintf("Script text must be under %d characters", MaxScriptLength))
	}
	return nil
}

// ValidateImage checks the declared type, the sniffed content and the size.
// It returns the canonical MIME type.
func ValidateImage(data []byte, declared string) (string, error) {
	if len(data) == 0 {
		return "", apperr.Validation("validate", "Selfie file is required")
	}
	if len(data) > MaxImageBytes {
		return "", apperr.Validation("validate", "Image must be 10MB or smaller")
	}
	mime, ok := allowedImageTypes[strings.ToLower(strings.TrimSpace(declared))]
	if !ok {
		return "", apperr.Validation("validate", "Only JPEG and PNG images are supported")
	}
	sniffed := http.DetectContentType(data)
	if sniffed != mime {
		return "", apperr.Validation("validate", fmt.Sprintf("Image content is %s, not %s", sniffed, mime))
	}
	return mime, nil
}

// ValidateAudioSize bounds an optional uploaded narration.
func ValidateAudioSize(n int64) error {
	if n > MaxAudioBytes {
		return apperr.Validation("validate", "Audio must be 10MB or smaller")
	}
	return nil
}

func decodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, apperr.Media("assemble.decode", "Failed to load selfie image", err)
	}
	if img.Bounds().Empty() {
		return nil, apperr.Media("assemble.decode", "Selfie image is empty", nil)
	}
	return img, nil
}
