// Package validate checks an uploaded audio file against filename, MIME
// type, size, and content rules before it ever reaches the work queue.
// Checks short-circuit on the first failure, cheapest first.
package validate

import (
	"bytes"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
)

// Config holds validator thresholds.
type Config struct {
	MaxFileSize       int
	MinFileSize       int
	AllowedMIMETypes  map[string]bool
	AllowedExtensions map[string]bool
}

func DefaultConfig() Config {
	return Config{
		MaxFileSize: 100 * 1024 * 1024,
		MinFileSize: 1024,
		AllowedMIMETypes: map[string]bool{
			"audio/mpeg": true,
			"audio/mp3":  true,
		},
		AllowedExtensions: map[string]bool{
			".mp3": true,
		},
	}
}

// Error is a validation rejection. Kind is a stable identifier the ingest
// endpoint uses as a metrics label (every rejection is a 400); Message is the
// human-readable reason recorded in the security audit trail.
type Error struct {
	Kind    string
	Message string
}

func (e *Error) Error() string { return e.Message }

var dangerousPatterns = []string{
	"..", "/", "\\", ":", "*", "?", `"`, "<", ">", "|",
	".exe", ".bat", ".cmd", ".scr", ".pif", ".com",
}

type Validator struct {
	cfg Config
}

func New(cfg Config) *Validator {
	return &Validator{cfg: cfg}
}

// Validate runs the full check sequence against one uploaded file. It does
// NOT check rate limits — that is internal/ratelimit's job.
func (v *Validator) Validate(filename, contentType string, data []byte) error {
	if err := v.validateFileBasics(filename); err != nil {
		return err
	}
	if err := v.validateContentType(filename, contentType); err != nil {
		return err
	}
	if err := v.validateFileSize(len(data)); err != nil {
		return err
	}
	if err := v.validateFileContent(filename, data); err != nil {
		return err
	}
	return nil
}

func (v *Validator) validateFileBasics(filename string) error {
	if filename == "" {
		return &Error{Kind: "invalid_filename", Message: "filename is required"}
	}
	lower := strings.ToLower(filename)
	for _, pat := range dangerousPatterns {
		if strings.Contains(lower, pat) {
			return &Error{Kind: "dangerous_filename", Message: fmt.Sprintf("filename contains disallowed pattern: %s", pat)}
		}
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if !v.cfg.AllowedExtensions[ext] {
		return &Error{Kind: "unsupported_extension", Message: fmt.Sprintf("unsupported file extension: %s", ext)}
	}
	return nil
}

func (v *Validator) validateContentType(filename, contentType string) error {
	if v.cfg.AllowedMIMETypes[contentType] {
		return nil
	}
	guessed := mime.TypeByExtension(filepath.Ext(filename))
	guessed, _, _ = strings.Cut(guessed, ";")
	if v.cfg.AllowedMIMETypes[guessed] {
		return nil
	}
	return &Error{Kind: "unsupported_content_type", Message: fmt.Sprintf("unsupported content type: %s", contentType)}
}

func (v *Validator) validateFileSize(size int) error {
	if size < v.cfg.MinFileSize {
		return &Error{Kind: "file_too_small", Message: fmt.Sprintf("file too small: %d bytes (minimum %d)", size, v.cfg.MinFileSize)}
	}
	if size > v.cfg.MaxFileSize {
		return &Error{Kind: "file_too_large", Message: fmt.Sprintf("file too large: %d bytes (maximum %d)", size, v.cfg.MaxFileSize)}
	}
	return nil
}

func (v *Validator) validateFileContent(filename string, data []byte) error {
	if err := checkAudioHeader(filename, data); err != nil {
		return err
	}
	return scanMaliciousContent(data)
}

func checkAudioHeader(filename string, data []byte) error {
	if len(data) < 12 {
		return &Error{Kind: "invalid_header", Message: "file too short to contain a valid audio header"}
	}
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".mp3":
		if bytes.HasPrefix(data, []byte("ID3")) ||
			bytes.HasPrefix(data, []byte{0xff, 0xfb}) ||
			bytes.HasPrefix(data, []byte{0xff, 0xfa}) {
			return nil
		}
		return &Error{Kind: "invalid_header", Message: "Invalid MP3 file header"}
	default:
		return &Error{Kind: "unsupported_format", Message: fmt.Sprintf("unsupported audio format: %s", ext)}
	}
}

var maliciousSignatures = []struct {
	prefix  []byte
	message string
}{
	{[]byte("\x7fELF"), "Executable file detected"},
	{[]byte{0xca, 0xfe, 0xba, 0xbe}, "Java class file detected"},
	{[]byte("%PDF"), "PDF file detected"},
}

func scanMaliciousContent(data []byte) error {
	if len(data) < 16 {
		return nil
	}
	for _, sig := range maliciousSignatures {
		if bytes.HasPrefix(data, sig.prefix) {
			return &Error{Kind: "malicious_content", Message: sig.message}
		}
	}
	head := bytes.ToLower(data[:64])
	if bytes.Contains(head, []byte("<script")) || bytes.Contains(head, []byte("javascript:")) {
		return &Error{Kind: "malicious_content", Message: "Script content detected in file header"}
	}
	return nil
}
