package collector

import (
	"errors"
	"fmt"
)

var (
	ErrNotLoaded     = errors.New("collector not loaded")
	ErrAlreadyLoaded = errors.New("collector already loaded")
	ErrAttached      = errors.New("collector already attached")
	ErrFrozen        = errors.New("collector configuration is frozen after load")
	ErrNoCollectors  = errors.New("no collector to run")
)

// LoadError reports a backend that failed to open, verify or load
type LoadError struct {
	Collector string
	Err       error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load collector %s: %v", e.Collector, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// AttachError reports a backend that failed to attach its probes
type AttachError struct {
	Collector string
	Err       error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("failed to attach collector %s: %v", e.Collector, e.Err)
}

func (e *AttachError) Unwrap() error { return e.Err }
