//go:build (!windows && !linux && !darwin) || (darwin && !cgo)
// +build !windows,!linux,!darwin darwin,!cgo

package platform

import "github.com/pkg/errors"

// RecursionSupported is false: this fallback provides no native watching
// at all.
const RecursionSupported = false

// SynthesizesNestedCreates is false: there is no backend here to do it.
const SynthesizesNestedCreates = false

// NewWatcher returns an error on platforms with no native backend (e.g. a
// darwin build without cgo enabled, or an operating system outside the
// three supported here).
func NewWatcher(cfg Config) (Watcher, error) {
	return nil, errors.New("native directory watching not supported on this platform")
}
