package media

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/jholhewres/taskclaw/pkg/taskclaw/apperr"
)

// maxFilenameLength bounds sanitized names, extension included.
const maxFilenameLength = 255

// unsafeFilenameChars matches anything outside word chars, dot and dash.
var unsafeFilenameChars = regexp.MustCompile(`[^\w.\-]`)

// DefaultAllowedExtensions is used when no allow-list is configured.
func DefaultAllowedExtensions() []string {
	return []string{
		".txt", ".md", ".csv", ".json", ".yaml", ".yml",
		".pdf", ".docx", ".xlsx",
		".png", ".jpg", ".jpeg", ".gif", ".webp",
	}
}

// Validator checks incoming files against the allow-list and size ceiling.
type Validator struct {
	allowed  map[string]bool
	maxBytes int64
}

// NewValidator creates a validator. Extensions are matched case-insensitively
// with or without the leading dot.
func NewValidator(allowedExtensions []string, maxBytes int64) *Validator {
	if len(allowedExtensions) == 0 {
		allowedExtensions = DefaultAllowedExtensions()
	}
	allowed := make(map[string]bool, len(allowedExtensions))
	for _, ext := range allowedExtensions {
		allowed[normalizeExt(ext)] = true
	}
	return &Validator{allowed: allowed, maxBytes: maxBytes}
}

// IsAllowedExtension reports whether ext is on the allow-list.
func (v *Validator) IsAllowedExtension(ext string) bool {
	return v.allowed[normalizeExt(ext)]
}

// Validate checks, in order, the extension, the declared size and the
// filename. It returns the sanitized name and lower-cased extension.
func (v *Validator) Validate(filename string, size int64) (string, string, error) {
	ext := normalizeExt(filepath.Ext(baseName(filename)))
	if ext == "" || !v.allowed[ext] {
		shown := ext
		if shown == "" {
			shown = "(none)"
		}
		return "", "", apperr.NewValidation(apperr.CodeExtensionNotAllowed,
			fmt.Sprintf("Extension %s is not allowed.", shown))
	}

	if v.maxBytes > 0 && size > v.maxBytes {
		return "", "", apperr.NewValidation(apperr.CodeFileTooLarge,
			fmt.Sprintf("Maximum size is %s, got %s.", formatBytes(v.maxBytes), formatBytes(size)))
	}

	name := SanitizeFilename(filename)
	if normalizeExt(filepath.Ext(name)) != ext {
		return "", "", apperr.NewValidation(apperr.CodeUnsafeFilename,
			fmt.Sprintf("Could not derive a safe name from %q.", filename))
	}
	return name, ext, nil
}

// SanitizeFilename reduces name to a safe basename: directory components and
// NUL bytes are dropped, leading dots stripped, and anything outside
// [A-Za-z0-9_.-] replaced with an underscore.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(baseName(name), "\x00", "")
	name = strings.TrimLeft(name, ".")
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	if name == "" {
		return "unnamed_file"
	}
	if len(name) > maxFilenameLength {
		ext := filepath.Ext(name)
		if len(ext) >= maxFilenameLength {
			ext = ""
		}
		name = name[:maxFilenameLength-len(ext)] + ext
	}
	return name
}

// baseName treats both slash styles as separators regardless of platform.
func baseName(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return name
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1fMB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1fKB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%dB", n)
	}
}
