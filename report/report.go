// Package report delivers collector snapshots to their consumers.
package report

import (
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/jnesss/stack-analyzer/collector"
)

// Sink consumes one collector report per window
type Sink interface {
	Emit(collector.Report) error
}

// SinkFunc adapts a function to a Sink
type SinkFunc func(collector.Report) error

func (f SinkFunc) Emit(r collector.Report) error { return f(r) }

// Text writes the rendered text block of every report to w
type Text struct {
	mu sync.Mutex
	w  io.Writer
}

func NewText(w io.Writer) *Text {
	return &Text{w: w}
}

func (t *Text) Emit(r collector.Report) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := io.WriteString(t.w, r.String()); err != nil {
		return fmt.Errorf("failed to write report for %s: %w", r.Collector, err)
	}
	return nil
}

type multi struct {
	log   *zap.Logger
	sinks []Sink
}

// Multi fans a report out to every sink in order. A failing sink is logged
// and does not stop the others.
func Multi(log *zap.Logger, sinks ...Sink) Sink {
	if log == nil {
		log = zap.NewNop()
	}
	kept := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &multi{log: log.Named("report"), sinks: kept}
}

func (m *multi) Emit(r collector.Report) error {
	for _, s := range m.sinks {
		if err := s.Emit(r); err != nil {
			m.log.Warn("Report sink failed",
				zap.String("collector", r.Collector),
				zap.Error(err))
		}
	}
	return nil
}
