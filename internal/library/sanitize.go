package library

import (
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/seriesme/seriesme-agent/internal/apperr"
)

const maxFilenameLen = 80

// SanitizeName keeps letters, digits and a small set of punctuation, replacing
// everything else with '_'. Control characters are dropped.
func SanitizeName(s string, maxLen int) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if isAllowedNameRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}

	cleaned := strings.Trim(strings.TrimSpace(b.String()), ".")
	if maxLen > 0 {
		runes := []rune(cleaned)
		if len(runes) > maxLen {
			cleaned = strings.TrimSpace(string(runes[:maxLen]))
		}
	}
	return cleaned
}

func isAllowedNameRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case ' ', '-', '_', '.', ',', '(', ')':
		return true
	default:
		return false
	}
}

// ValidateOutputDir requires an existing, clean, absolute directory path.
func ValidateOutputDir(dir string) error {
	const op = "library.Export"
	if strings.TrimSpace(dir) == "" {
		return apperr.Validation(op, "output_dir is required")
	}

	for _, part := range strings.Split(filepath.ToSlash(dir), "/") {
		if part == ".." {
			return apperr.Validation(op, "output_dir cannot contain path traversal")
		}
	}

	if !filepath.IsAbs(dir) {
		return apperr.Validation(op, "output_dir must be absolute")
	}
	if filepath.Clean(dir) != dir {
		return apperr.Validation(op, "output_dir must be clean path")
	}

	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return apperr.Validation(op, "output_dir does not exist")
		}
		return apperr.Validation(op, "invalid output_dir")
	}
	if !info.IsDir() {
		return apperr.Validation(op, "output_dir is not a directory")
	}

	return nil
}
