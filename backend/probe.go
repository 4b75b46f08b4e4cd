package backend

import (
	"fmt"
	"strings"
)

// ProbeKind is the kind of attach point a probe string names
type ProbeKind int

const (
	Kprobe ProbeKind = iota
	Tracepoint
	Uprobe
	USDT
)

func (k ProbeKind) String() string {
	switch k {
	case Kprobe:
		return "kprobe"
	case Tracepoint:
		return "tracepoint"
	case Uprobe:
		return "uprobe"
	case USDT:
		return "usdt"
	}
	return "unknown"
}

// Probe is a parsed probe target.
//
//	func | p::func        kernel function
//	t:category:name       kernel tracepoint
//	lib:func | p:lib:func user function in lib
//	u:lib:probe           USDT probe in lib
type Probe struct {
	Kind ProbeKind
	// Group is the tracepoint category or the library, depending on Kind
	Group string
	Name  string
}

func (p Probe) String() string {
	switch p.Kind {
	case Kprobe:
		return p.Name
	case Tracepoint:
		return "t:" + p.Group + ":" + p.Name
	case USDT:
		return "u:" + p.Group + ":" + p.Name
	}
	return p.Group + ":" + p.Name
}

// ParseProbe parses a probe string
func ParseProbe(s string) (Probe, error) {
	if s == "" {
		return Probe{}, fmt.Errorf("empty probe")
	}
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 1:
		return Probe{Kind: Kprobe, Name: s}, nil
	case 2:
		if parts[0] == "" || parts[1] == "" {
			break
		}
		return Probe{Kind: Uprobe, Group: parts[0], Name: parts[1]}, nil
	case 3:
		if parts[2] == "" {
			break
		}
		switch parts[0] {
		case "p":
			if parts[1] == "" {
				return Probe{Kind: Kprobe, Name: parts[2]}, nil
			}
			return Probe{Kind: Uprobe, Group: parts[1], Name: parts[2]}, nil
		case "t":
			if parts[1] == "" {
				break
			}
			return Probe{Kind: Tracepoint, Group: parts[1], Name: parts[2]}, nil
		case "u":
			if parts[1] == "" {
				break
			}
			return Probe{Kind: USDT, Group: parts[1], Name: parts[2]}, nil
		}
	}
	return Probe{}, fmt.Errorf("invalid probe %q: type must be 'p', 't' or 'u'", s)
}
