package sdruntime

import (
	"strings"
)

// ValidatePrompt validates the positive prompt.
// It must be non-blank, free of NUL bytes and at most MaxPromptLength bytes.
func ValidatePrompt(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return invalidParam("prompt cannot be empty")
	}
	return validatePromptText("prompt", prompt)
}

// validatePromptText applies the checks shared by positive and negative prompts.
// An empty string is allowed here.
func validatePromptText(name, text string) error {
	// Backends pass prompts to C code and HTTP bodies.
	if strings.ContainsRune(text, '\x00') {
		return invalidParam("%s contains null bytes", name)
	}
	if len(text) > MaxPromptLength {
		return invalidParam("%s length %d exceeds maximum %d", name, len(text), MaxPromptLength)
	}
	return nil
}

// SanitizePrompt trims surrounding whitespace.
func SanitizePrompt(prompt string) string {
	return strings.TrimSpace(prompt)
}
