//go:build !linux

package evict

import (
	"os"
	"time"
)

// BirthTime approximates creation time with the modification time on
// platforms without statx.
func BirthTime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}
