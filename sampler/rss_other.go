//go:build !linux && !darwin
// +build !linux,!darwin

package sampler

import "errors"

// ErrRSSUnsupported is returned by readRSS on platforms this module hasn't
// learned to read RSS from.
var ErrRSSUnsupported = errors.New("sampler: RSS reading not implemented on this platform")

func readRSS() (uint64, error) {
	return 0, ErrRSSUnsupported
}
