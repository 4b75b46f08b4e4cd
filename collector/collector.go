// Package collector drives kernel stack collectors through their
// load/attach/detach/unload lifecycle and turns their tables into reports.
package collector

import (
	"os"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/jnesss/stack-analyzer/aggregate"
	"github.com/jnesss/stack-analyzer/backend"
	"github.com/jnesss/stack-analyzer/types"
)

// State is the lifecycle state of a collector
type State int

const (
	Unloaded State = iota
	Loaded
	Attached
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loaded:
		return "loaded"
	case Attached:
		return "attached"
	}
	return "unknown"
}

// Collector is one kernel instrumentation program with its aggregation table
type Collector interface {
	Name() string
	Scale() types.Scale
	State() State

	// SetPid selects the process to trace; backend.AllProcesses traces all
	SetPid(pid int32) error

	Load() error
	Attach() error
	Detach()
	Unload()

	// Snapshot reads the current window. In delta mode the table is
	// cleared before Snapshot returns.
	Snapshot() Report
	Render() string
}

// variant supplies the per-collector pieces of the lifecycle
type variant interface {
	configure(cfg *backend.Config) error
	scale() types.Scale
	accumulation() (aggregate.Accumulation, aggregate.Mode)
}

// base implements the lifecycle shared by every collector. The backend is
// the strategy; the variant contributes configuration, scale and
// accumulation.
type base struct {
	name    string
	backend backend.Backend
	v       variant
	log     *zap.Logger
	now     func() time.Time

	pid         int32
	traceUser   bool
	traceKernel bool
	delta       bool

	state  State
	frozen types.Scale
	agg    *aggregate.Aggregator
}

func newBase(name string, be backend.Backend, v variant, log *zap.Logger) base {
	if log == nil {
		log = zap.NewNop()
	}
	return base{
		name:    name,
		backend: be,
		v:       v,
		log:     log.Named(name),
		now:     time.Now,
		pid:     backend.AllProcesses,
		delta:   true,
	}
}

// Name returns the collector kind
func (b *base) Name() string { return b.name }

// State returns the lifecycle state
func (b *base) State() State { return b.state }

// Scale is fixed once the collector is loaded
func (b *base) Scale() types.Scale {
	if b.state != Unloaded {
		return b.frozen
	}
	return b.v.scale()
}

func (b *base) mutable() error {
	if b.state != Unloaded {
		return ErrFrozen
	}
	return nil
}

// SetPid selects the traced process before Load
func (b *base) SetPid(pid int32) error {
	if err := b.mutable(); err != nil {
		return err
	}
	b.pid = pid
	return nil
}

// SetTraceUser enables user stack collection
func (b *base) SetTraceUser(on bool) error {
	if err := b.mutable(); err != nil {
		return err
	}
	b.traceUser = on
	return nil
}

// SetTraceKernel enables kernel stack collection
func (b *base) SetTraceKernel(on bool) error {
	if err := b.mutable(); err != nil {
		return err
	}
	b.traceKernel = on
	return nil
}

// SetDelta selects between per-window deltas and cumulative totals
func (b *base) SetDelta(on bool) error {
	if err := b.mutable(); err != nil {
		return err
	}
	b.delta = on
	return nil
}

// Load opens and loads the kernel program. The scale and accumulation are
// fixed from here on; a failure destroys whatever the backend created.
func (b *base) Load() error {
	if b.state != Unloaded {
		return ErrAlreadyLoaded
	}

	cfg := backend.Config{
		Name:        b.name,
		TargetPid:   b.pid,
		SelfPid:     int32(os.Getpid()),
		TraceUser:   b.traceUser,
		TraceKernel: b.traceKernel,
		Constants:   map[string]interface{}{},
	}
	if err := b.v.configure(&cfg); err != nil {
		return &LoadError{Collector: b.name, Err: err}
	}

	if err := b.backend.Open(cfg); err != nil {
		b.backend.Destroy()
		return &LoadError{Collector: b.name, Err: err}
	}
	if err := b.backend.Load(); err != nil {
		b.backend.Destroy()
		return &LoadError{Collector: b.name, Err: err}
	}

	b.frozen = b.v.scale()
	b.agg = aggregate.New(b.v.accumulation())
	b.state = Loaded
	b.log.Debug("Collector loaded",
		zap.Int32("pid", b.pid),
		zap.String("type", b.frozen.Type),
		zap.Bool("delta", b.delta))
	return nil
}

// Attach hooks the loaded program into the kernel
func (b *base) Attach() error {
	switch b.state {
	case Unloaded:
		return ErrNotLoaded
	case Attached:
		return ErrAttached
	}
	if err := b.backend.Attach(); err != nil {
		// partial attachments are released by Detach
		b.backend.Detach()
		return &AttachError{Collector: b.name, Err: err}
	}
	b.state = Attached
	return nil
}

// Detach removes the hooks and keeps the tables readable
func (b *base) Detach() {
	if b.state != Attached {
		return
	}
	b.backend.Detach()
	b.state = Loaded
}

// Unload detaches if needed and destroys the kernel objects
func (b *base) Unload() {
	if b.state == Unloaded {
		return
	}
	b.Detach()
	b.backend.Destroy()
	b.agg = nil
	b.state = Unloaded
	b.log.Debug("Collector unloaded")
}

// Snapshot reads the backend table into a ranked report
func (b *base) Snapshot() Report {
	r := Report{
		Collector: b.name,
		Scale:     b.Scale(),
		Time:      b.now(),
	}
	if b.state == Unloaded {
		return r
	}

	samples, err := b.backend.Read(b.delta)
	switch {
	case err != nil:
		b.log.Warn("Failed to read collector table", zap.Error(err))
		if b.delta {
			return r
		}
		// keep reporting the last cumulative table
		r.Items = b.agg.Items()
	case b.delta:
		for _, s := range samples {
			b.agg.Add(s)
		}
		r.Items = b.agg.Items()
		b.agg.Clear()
	default:
		b.agg.Load(samples)
		r.Items = b.agg.Items()
	}

	r.Traces = b.traces(r.Items)
	if tr, ok := b.backend.(backend.TaskReader); ok {
		tasks, err := tr.Tasks(b.delta)
		if err != nil {
			b.log.Warn("Failed to read task info", zap.Error(err))
		} else if len(tasks) > 0 {
			r.Tasks = tasks
		}
	}
	return r
}

func (b *base) traces(items []types.CountItem) map[int32][]uint64 {
	sr, ok := b.backend.(backend.StackReader)
	if !ok || len(items) == 0 {
		return nil
	}

	var ids []int32
	for _, it := range items {
		if it.Key.Usid >= 0 {
			ids = append(ids, it.Key.Usid)
		}
		if it.Key.Ksid >= 0 {
			ids = append(ids, it.Key.Ksid)
		}
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)

	traces := make(map[int32][]uint64, len(ids))
	for _, id := range ids {
		ips, err := sr.Stack(id)
		if err != nil || len(ips) == 0 {
			continue
		}
		traces[id] = ips
	}
	if len(traces) == 0 {
		return nil
	}
	return traces
}

// Render returns the text form of a fresh Snapshot
func (b *base) Render() string {
	return b.Snapshot().String()
}
