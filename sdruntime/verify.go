package sdruntime

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// CalculateChecksum computes the SHA256 hash of a file.
// It streams the file so multi-gigabyte weight files are not loaded into memory.
//
// Returns the lowercase hex-encoded SHA256 hash string.
func CalculateChecksum(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// VerifyChecksum compares a weight file against an expected SHA256.
// An empty expected checksum skips verification, which allows loading files
// that have no registered checksum.
func VerifyChecksum(filePath, expected string) error {
	if expected == "" {
		return nil
	}

	actual, err := CalculateChecksum(filePath)
	if err != nil {
		return err
	}
	if !strings.EqualFold(actual, expected) {
		return fmt.Errorf("checksum mismatch for %s: expected %s, got %s", filePath, expected, actual)
	}
	return nil
}
