package collector

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/jnesss/stack-analyzer/aggregate"
	"github.com/jnesss/stack-analyzer/backend"
	"github.com/jnesss/stack-analyzer/types"
)

// Collector kinds as accepted on the command line
const (
	KindOnCPU     = "on_cpu"
	KindOffCPU    = "off_cpu"
	KindMemleak   = "memleak"
	KindIO        = "io"
	KindReadahead = "readahead"
	KindProbe     = "probe"
)

// Kinds lists every known collector kind
var Kinds = []string{KindOnCPU, KindOffCPU, KindMemleak, KindIO, KindReadahead, KindProbe}

var errNoProbe = errors.New("no probe set")

// DefaultFrequency is the on-cpu sampling frequency in Hz
const DefaultFrequency = 49

// OnCPU samples stacks of running tasks on every online CPU at a fixed rate
type OnCPU struct {
	base
	freq uint64
}

// NewOnCPU creates an on-cpu collector sampling at DefaultFrequency
func NewOnCPU(be backend.Backend, log *zap.Logger) *OnCPU {
	c := &OnCPU{freq: DefaultFrequency}
	c.base = newBase(KindOnCPU, be, c, log)
	return c
}

// SetFrequency sets the sampling frequency in Hz
func (c *OnCPU) SetFrequency(hz uint64) error {
	if err := c.mutable(); err != nil {
		return err
	}
	if hz == 0 {
		return fmt.Errorf("sampling frequency must be positive")
	}
	c.freq = hz
	return nil
}

func (c *OnCPU) configure(cfg *backend.Config) error {
	cfg.Attach.Frequency = c.freq
	return nil
}

func (c *OnCPU) scale() types.Scale {
	return types.Scale{Type: "OnCPUTime", Unit: "nanoseconds", Period: int64(1e9 / c.freq)}
}

func (c *OnCPU) accumulation() (aggregate.Accumulation, aggregate.Mode) {
	return aggregate.Counting, aggregate.ModeSum
}

// OffCPU accumulates the time tasks spend switched out
type OffCPU struct {
	base
}

// NewOffCPU creates an off-cpu collector
func NewOffCPU(be backend.Backend, log *zap.Logger) *OffCPU {
	c := &OffCPU{}
	c.base = newBase(KindOffCPU, be, c, log)
	return c
}

func (c *OffCPU) configure(cfg *backend.Config) error { return nil }

func (c *OffCPU) scale() types.Scale {
	return types.Scale{Type: "OffCPUTime", Unit: "nanoseconds", Period: 1 << 20}
}

func (c *OffCPU) accumulation() (aggregate.Accumulation, aggregate.Mode) {
	return aggregate.Timing, aggregate.ModeSum
}

// Memleak tracks outstanding allocations by allocation stack.
// It reports cumulative totals unless delta mode is enabled.
type Memleak struct {
	base
	sampleRate    uint64
	waMissingFree bool
	library       string
}

// NewMemleak creates a memleak collector reporting cumulative totals
func NewMemleak(be backend.Backend, log *zap.Logger) *Memleak {
	c := &Memleak{sampleRate: 1}
	c.base = newBase(KindMemleak, be, c, log)
	c.delta = false
	return c
}

// SetSampleRate records one allocation out of every n
func (c *Memleak) SetSampleRate(n uint64) error {
	if err := c.mutable(); err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("sample rate must be positive")
	}
	c.sampleRate = n
	return nil
}

// SetMissingFreeWorkaround frees entries the kernel no longer knows about
func (c *Memleak) SetMissingFreeWorkaround(on bool) error {
	if err := c.mutable(); err != nil {
		return err
	}
	c.waMissingFree = on
	return nil
}

// SetLibrary overrides the allocator library to probe
func (c *Memleak) SetLibrary(path string) error {
	if err := c.mutable(); err != nil {
		return err
	}
	c.library = path
	return nil
}

func (c *Memleak) configure(cfg *backend.Config) error {
	cfg.Constants["sample_rate"] = c.sampleRate
	cfg.Constants["wa_missing_free"] = c.waMissingFree
	cfg.Attach.Library = c.library
	return nil
}

func (c *Memleak) scale() types.Scale {
	return types.Scale{Type: "LeakedMemory", Unit: "bytes", Period: 1}
}

func (c *Memleak) accumulation() (aggregate.Accumulation, aggregate.Mode) {
	return aggregate.Counting, aggregate.ModeSum
}

// IO counts read/write activity per stack
type IO struct {
	base
	mode aggregate.Mode
}

// NewIO creates an io collector counting events
func NewIO(be backend.Backend, log *zap.Logger) *IO {
	c := &IO{mode: aggregate.ModeCount}
	c.base = newBase(KindIO, be, c, log)
	c.traceUser = true
	c.traceKernel = false
	return c
}

// SetMode selects count, size or average size
func (c *IO) SetMode(m aggregate.Mode) error {
	if err := c.mutable(); err != nil {
		return err
	}
	c.mode = m
	return nil
}

func (c *IO) configure(cfg *backend.Config) error { return nil }

func (c *IO) scale() types.Scale {
	switch c.mode {
	case aggregate.ModeSum:
		return types.Scale{Type: "IOSize", Unit: "bytes", Period: 1}
	case aggregate.ModeAverage:
		return types.Scale{Type: "AverageIOSize", Unit: "bytes", Period: 1}
	}
	return types.Scale{Type: "IOCount", Unit: "counts", Period: 1}
}

func (c *IO) accumulation() (aggregate.Accumulation, aggregate.Mode) {
	return aggregate.Timing, c.mode
}

// Readahead reports pages brought in by readahead that were never used
type Readahead struct {
	base
}

// NewReadahead creates a readahead collector
func NewReadahead(be backend.Backend, log *zap.Logger) *Readahead {
	c := &Readahead{}
	c.base = newBase(KindReadahead, be, c, log)
	return c
}

func (c *Readahead) configure(cfg *backend.Config) error { return nil }

func (c *Readahead) scale() types.Scale {
	return types.Scale{Type: "UnusedReadaheadPages", Unit: "pages", Period: 1}
}

func (c *Readahead) accumulation() (aggregate.Accumulation, aggregate.Mode) {
	return aggregate.Timing, aggregate.ModeSum
}

// Probe counts hits on an arbitrary kernel or user attach point
type Probe struct {
	base
	probe *backend.Probe
}

// NewProbe creates a probe collector. SetProbe must be called before Load.
func NewProbe(be backend.Backend, log *zap.Logger) *Probe {
	c := &Probe{}
	c.base = newBase(KindProbe, be, c, log)
	return c
}

// SetProbe parses and sets the attach point
func (c *Probe) SetProbe(s string) error {
	if err := c.mutable(); err != nil {
		return err
	}
	p, err := backend.ParseProbe(s)
	if err != nil {
		return err
	}
	c.probe = &p
	return nil
}

func (c *Probe) configure(cfg *backend.Config) error {
	if c.probe == nil {
		return errNoProbe
	}
	cfg.Attach.Probe = c.probe
	return nil
}

func (c *Probe) scale() types.Scale {
	name := ""
	if c.probe != nil {
		name = c.probe.String()
	}
	return types.Scale{Type: name + "StackCounts", Unit: "counts", Period: 1}
}

func (c *Probe) accumulation() (aggregate.Accumulation, aggregate.Mode) {
	return aggregate.Counting, aggregate.ModeSum
}
