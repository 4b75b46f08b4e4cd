// Package backend defines the contract between collectors and the kernel-side
// instrumentation programs they drive.
package backend

import (
	"errors"

	"github.com/jnesss/stack-analyzer/types"
)

// AllProcesses is the pid filter value meaning "trace every process"
const AllProcesses int32 = -1

// ErrUnsupported is returned by backends that cannot run on this platform
var ErrUnsupported = errors.New("probe backend not supported on this platform")

// Config is pushed into the backend's read-only configuration region before
// the programs are loaded
type Config struct {
	// Name identifies the kernel program set, e.g. "on_cpu"
	Name string

	TargetPid   int32
	SelfPid     int32
	TraceUser   bool
	TraceKernel bool

	// Constants holds collector-specific read-only values
	Constants map[string]interface{}

	Attach AttachOptions
}

// AttachOptions carries parameters used when attaching rather than loading
type AttachOptions struct {
	// Frequency is the perf sampling frequency in Hz
	Frequency uint64
	// Probe is the attach point of a generic probe collector
	Probe *Probe
	// Library overrides the C library path used for allocator uprobes
	Library string
}

// Backend loads, verifies and attaches one kernel instrumentation program set.
//
// The lifecycle is Open -> Load -> {Attach -> Detach}* -> Destroy. Detach and
// Destroy must be safe to call in any state.
type Backend interface {
	Open(cfg Config) error
	Load() error
	Attach() error
	Detach()
	Destroy()

	// Read returns the current key -> value table. When drain is set the
	// entries are removed from the kernel table as they are read.
	Read(drain bool) ([]types.Sample, error)
}

// StackReader is implemented by backends that record stack traces
type StackReader interface {
	// Stack returns the instruction pointers for a stack id, innermost first
	Stack(id int32) ([]uint64, error)
}

// TaskReader is implemented by backends that record per-pid task metadata
type TaskReader interface {
	Tasks(drain bool) (map[uint32]types.TaskInfo, error)
}
