// Package trigger gates sampling windows on kernel pressure stall events.
//
// A trigger is registered by writing an event such as "some 150000 1000000"
// to /proc/pressure/{cpu,memory,io}; the kernel then raises POLLPRI on the
// same file descriptor whenever the stall threshold is crossed.
package trigger

import (
	"fmt"
	"path/filepath"
)

// PressureDir is where the kernel exposes PSI control files
const PressureDir = "/proc/pressure"

// Kinds lists the resources a trigger can watch
var Kinds = []string{"cpu", "memory", "io"}

// PressurePath maps a resource name to its PSI control file
func PressurePath(kind string) (string, error) {
	switch kind {
	case "cpu", "memory", "io":
		return filepath.Join(PressureDir, kind), nil
	}
	return "", fmt.Errorf("unknown pressure resource %q: must be cpu, memory or io", kind)
}

// SourceError means the event source went away. It is fatal.
type SourceError struct {
	Path string
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("got POLLERR on %s: event source is gone", e.Path)
}

// IOError wraps a failure to open, register or poll the control file
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("trigger %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }
