// Package aggregate turns raw backend samples into sorted metric lists.
package aggregate

import (
	"cmp"
	"slices"

	"github.com/jnesss/stack-analyzer/types"
)

// Accumulation selects how a sample contributes to its key
type Accumulation int

const (
	// Counting adds the sample weight, or 1 for samples without a payload
	Counting Accumulation = iota
	// Timing adds the elapsed-time delta carried by the sample
	Timing
)

// Mode selects which projection of an entry is reported
type Mode int

const (
	// ModeSum reports the accumulated payload (time, size, weight)
	ModeSum Mode = iota
	// ModeCount reports the number of events
	ModeCount
	// ModeAverage reports payload per event
	ModeAverage
)

func (m Mode) String() string {
	switch m {
	case ModeSum:
		return "size"
	case ModeCount:
		return "count"
	case ModeAverage:
		return "aver"
	}
	return "unknown"
}

// ParseMode accepts the names used on the command line
func ParseMode(s string) (Mode, bool) {
	switch s {
	case "size", "sum":
		return ModeSum, true
	case "count":
		return ModeCount, true
	case "aver", "average", "avg":
		return ModeAverage, true
	}
	return 0, false
}

type entry struct {
	sum   uint64
	count uint64
}

// Aggregator keeps a key -> value table for one collector.
// It is not safe for concurrent use; the scheduling loop is its only caller.
type Aggregator struct {
	acc   Accumulation
	mode  Mode
	table map[types.StackKey]*entry
}

// New creates an empty aggregator
func New(acc Accumulation, mode Mode) *Aggregator {
	return &Aggregator{
		acc:   acc,
		mode:  mode,
		table: make(map[types.StackKey]*entry),
	}
}

// Mode returns the reporting projection
func (a *Aggregator) Mode() Mode {
	return a.mode
}

// Add folds one sample into the table
func (a *Aggregator) Add(s types.Sample) {
	e, ok := a.table[s.Key]
	if !ok {
		e = &entry{}
		a.table[s.Key] = e
	}
	a.fold(e, s)
}

func (a *Aggregator) fold(e *entry, s types.Sample) {
	value := s.Value
	if a.acc == Counting && value == 0 {
		value = max(s.Count, 1)
	}
	e.sum += value
	e.count += max(s.Count, 1)
}

// Load replaces the table with a cumulative snapshot taken from the kernel.
// Duplicate keys in the snapshot are folded together.
func (a *Aggregator) Load(samples []types.Sample) {
	clear(a.table)
	for _, s := range samples {
		a.Add(s)
	}
}

// Clear empties the table
func (a *Aggregator) Clear() {
	clear(a.table)
}

// Len returns the number of keys
func (a *Aggregator) Len() int {
	return len(a.table)
}

// Items returns the table sorted by value descending.
// Ties are ordered by key so the output is deterministic.
func (a *Aggregator) Items() []types.CountItem {
	items := make([]types.CountItem, 0, len(a.table))
	for k, e := range a.table {
		items = append(items, types.CountItem{Key: k, Value: a.project(e)})
	}
	slices.SortFunc(items, func(x, y types.CountItem) int {
		if c := cmp.Compare(y.Value, x.Value); c != 0 {
			return c
		}
		return x.Key.Compare(y.Key)
	})
	return items
}

func (a *Aggregator) project(e *entry) float64 {
	switch a.mode {
	case ModeCount:
		return float64(e.count)
	case ModeAverage:
		if e.count == 0 {
			return 0
		}
		return float64(e.sum) / float64(e.count)
	default:
		return float64(e.sum)
	}
}
