package collector

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/jnesss/stack-analyzer/aggregate"
	"github.com/jnesss/stack-analyzer/backend"
)

// Spec describes one collector to build
type Spec struct {
	Kind        string `mapstructure:"kind" json:"kind"`
	TraceUser   bool   `mapstructure:"user" json:"user,omitempty"`
	TraceKernel bool   `mapstructure:"kernel" json:"kernel,omitempty"`

	// on_cpu
	Frequency uint64 `mapstructure:"frequency" json:"frequency,omitempty"`
	// io
	Mode string `mapstructure:"mode" json:"mode,omitempty"`
	// probe
	Probe string `mapstructure:"probe" json:"probe,omitempty"`
	// memleak
	SampleRate            uint64 `mapstructure:"sample_rate" json:"sample_rate,omitempty"`
	MissingFreeWorkaround bool   `mapstructure:"missing_free_workaround" json:"missing_free_workaround,omitempty"`
	Library               string `mapstructure:"library" json:"library,omitempty"`

	// Delta overrides the collector's default windowing when set
	Delta *bool `mapstructure:"delta" json:"delta,omitempty"`
}

// ParseSpec parses the command line form kind[:opt,opt=val,...].
//
//	on_cpu:freq=99,u,k
//	io:mode=size
//	memleak:rate=8,w
//	probe:probe=t:sched:sched_switch
func ParseSpec(s string) (Spec, error) {
	kind, rest, _ := strings.Cut(s, ":")
	spec := Spec{Kind: kind}
	if !slices.Contains(Kinds, kind) {
		return spec, fmt.Errorf("unknown collector %q", kind)
	}
	if rest == "" {
		return spec, nil
	}

	for _, opt := range strings.Split(rest, ",") {
		key, val, hasVal := strings.Cut(opt, "=")
		need := func() error {
			if !hasVal || val == "" {
				return fmt.Errorf("collector %s: option %q needs a value", kind, key)
			}
			return nil
		}

		var err error
		switch {
		case key == "u" || key == "user":
			spec.TraceUser = true
		case key == "k" || key == "kernel":
			spec.TraceKernel = true
		case key == "delta":
			on := true
			if hasVal {
				on, err = strconv.ParseBool(val)
			}
			spec.Delta = &on
		case (key == "f" || key == "freq") && kind == KindOnCPU:
			if err = need(); err == nil {
				spec.Frequency, err = strconv.ParseUint(val, 10, 64)
			}
		case (key == "M" || key == "mode") && kind == KindIO:
			if err = need(); err == nil {
				spec.Mode = val
			}
		case (key == "i" || key == "rate") && kind == KindMemleak:
			if err = need(); err == nil {
				spec.SampleRate, err = strconv.ParseUint(val, 10, 64)
			}
		case (key == "w" || key == "wa") && kind == KindMemleak:
			spec.MissingFreeWorkaround = true
		case key == "lib" && kind == KindMemleak:
			if err = need(); err == nil {
				spec.Library = val
			}
		case (key == "b" || key == "probe") && kind == KindProbe:
			if err = need(); err == nil {
				spec.Probe = val
			}
		default:
			return spec, fmt.Errorf("collector %s: unknown option %q", kind, key)
		}
		if err != nil {
			return spec, fmt.Errorf("collector %s: option %q: %w", kind, key, err)
		}
	}
	return spec, nil
}

// Provider creates the backend for a collector kind
type Provider func(kind string) (backend.Backend, error)

// Builder accumulates collector specs during option parsing and constructs
// every collector in one pass
type Builder struct {
	specs []Spec
}

func NewBuilder() *Builder {
	return &Builder{}
}

// Add queues a spec
func (b *Builder) Add(s Spec) error {
	if !slices.Contains(Kinds, s.Kind) {
		return fmt.Errorf("unknown collector %q", s.Kind)
	}
	b.specs = append(b.specs, s)
	return nil
}

func (b *Builder) Specs() []Spec {
	return append([]Spec(nil), b.specs...)
}

func (b *Builder) Len() int { return len(b.specs) }

// Build constructs the collectors in the order their specs were added
func (b *Builder) Build(provider Provider, log *zap.Logger) ([]Collector, error) {
	out := make([]Collector, 0, len(b.specs))
	for i, s := range b.specs {
		be, err := provider(s.Kind)
		if err != nil {
			return nil, fmt.Errorf("failed to create backend for collector %d (%s): %w", i+1, s.Kind, err)
		}
		c, err := build(s, be, log)
		if err != nil {
			return nil, fmt.Errorf("failed to configure collector %d (%s): %w", i+1, s.Kind, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// common holds the setters every variant shares through base
type common interface {
	Collector
	SetTraceUser(bool) error
	SetTraceKernel(bool) error
	SetDelta(bool) error
}

func build(s Spec, be backend.Backend, log *zap.Logger) (Collector, error) {
	var c common
	var err error

	switch s.Kind {
	case KindOnCPU:
		oc := NewOnCPU(be, log)
		if s.Frequency != 0 {
			err = oc.SetFrequency(s.Frequency)
		}
		c = oc
	case KindOffCPU:
		c = NewOffCPU(be, log)
	case KindMemleak:
		mc := NewMemleak(be, log)
		if s.SampleRate != 0 {
			err = mc.SetSampleRate(s.SampleRate)
		}
		if err == nil && s.MissingFreeWorkaround {
			err = mc.SetMissingFreeWorkaround(true)
		}
		if err == nil && s.Library != "" {
			err = mc.SetLibrary(s.Library)
		}
		c = mc
	case KindIO:
		ic := NewIO(be, log)
		if s.Mode != "" {
			mode, ok := aggregate.ParseMode(s.Mode)
			if !ok {
				return nil, fmt.Errorf("unknown io mode %q", s.Mode)
			}
			err = ic.SetMode(mode)
		}
		c = ic
	case KindReadahead:
		c = NewReadahead(be, log)
	case KindProbe:
		pc := NewProbe(be, log)
		err = pc.SetProbe(s.Probe)
		c = pc
	default:
		return nil, fmt.Errorf("unknown collector %q", s.Kind)
	}
	if err != nil {
		return nil, err
	}

	if s.TraceUser {
		if err := c.SetTraceUser(true); err != nil {
			return nil, err
		}
	}
	if s.TraceKernel {
		if err := c.SetTraceKernel(true); err != nil {
			return nil, err
		}
	}
	if s.Delta != nil {
		if err := c.SetDelta(*s.Delta); err != nil {
			return nil, err
		}
	}
	return c, nil
}
