//go:build !linux && !darwin && !freebsd && !windows

package disk

import (
	"errors"
	"runtime"
)

// probe fails on platforms without a supported free-space call, so every
// budget check answers false and nothing is downloaded.
func probe(string) (Usage, error) {
	return Usage{}, errors.New("disk usage probe not supported on " + runtime.GOOS)
}
