// Package modelhash computes the short content hash embedded in model
// display identifiers.
package modelhash

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	sampleOffset = 0x100000
	sampleSize   = 0x10000
)

// Short returns the legacy 8 hex digit model hash: SHA-256 over the 64 KiB
// starting at offset 1 MiB. Files shorter than the offset hash the empty
// sample, matching the behavior model listings already rely on.
func Short(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	section := io.NewSectionReader(f, sampleOffset, sampleSize)
	if _, err := io.Copy(h, section); err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil))[:8], nil
}
