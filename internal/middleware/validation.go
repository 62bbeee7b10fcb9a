package middleware

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	maxPromptBytes = 100000
	maxIDLength    = 128
	maxImages      = 4
	maxImageBytes  = 10 << 20
)

// ValidatePrompt validates prompt text. Empty prompts are allowed only alongside images.
func ValidatePrompt(prompt string, images int) error {
	if strings.TrimSpace(prompt) == "" && images == 0 {
		return errors.New("prompt cannot be empty")
	}
	if len(prompt) > maxPromptBytes {
		return errors.New("prompt exceeds maximum length")
	}
	if !utf8.ValidString(prompt) {
		return errors.New("prompt must be valid UTF-8")
	}
	return nil
}

// ValidateThreadID validates a thread ID. Backends mint their own ids, so only the
// shape is checked.
func ValidateThreadID(id string) error {
	if id == "" {
		return errors.New("thread ID cannot be empty")
	}
	if len(id) > maxIDLength {
		return errors.New("thread ID exceeds maximum length")
	}
	for _, r := range id {
		if r == '/' || unicode.IsSpace(r) || unicode.IsControl(r) {
			return errors.New("invalid thread ID format")
		}
	}
	return nil
}

// ValidateMode validates a backend mode name.
func ValidateMode(mode string) error {
	if len(mode) > 32 {
		return errors.New("mode exceeds maximum length")
	}
	for _, r := range mode {
		if !(r == '-' || r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return errors.New("invalid mode format")
		}
	}
	return nil
}

// ValidateImage validates one decoded image attachment.
func ValidateImage(mimeType string, size int) error {
	if !strings.HasPrefix(mimeType, "image/") {
		return errors.New("attachment must be an image")
	}
	if size == 0 {
		return errors.New("image cannot be empty")
	}
	if size > maxImageBytes {
		return errors.New("image exceeds maximum size")
	}
	return nil
}

// ValidateImageCount caps the attachments of one request.
func ValidateImageCount(n int) error {
	if n > maxImages {
		return errors.New("too many images")
	}
	return nil
}
