package collector

import (
	"sync"

	"go.uber.org/zap"
)

// Eviction stages reported to an EvictionObserver
const (
	StageLoad   = "load"
	StageAttach = "attach"
)

// EvictionObserver is told about every collector dropped from a registry
type EvictionObserver interface {
	CollectorEvicted(name, stage string, err error)
}

// Registry owns the ordered set of active collectors. Collectors that fail
// to load or attach are evicted; nothing is ever added after construction.
type Registry struct {
	log        *zap.Logger
	collectors []Collector
	observer   EvictionObserver
	shutdown   sync.Once
}

func NewRegistry(log *zap.Logger, collectors ...Collector) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		log:        log.Named("registry"),
		collectors: collectors,
	}
}

// SetObserver registers an eviction observer
func (r *Registry) SetObserver(o EvictionObserver) {
	r.observer = o
}

func (r *Registry) Len() int { return len(r.collectors) }

// Collectors returns the active collectors in order
func (r *Registry) Collectors() []Collector {
	return append([]Collector(nil), r.collectors...)
}

func (r *Registry) Names() []string {
	names := make([]string, len(r.collectors))
	for i, c := range r.collectors {
		names[i] = c.Name()
	}
	return names
}

func (r *Registry) evict(i int, c Collector, stage string, err error) {
	r.log.Error("Collector evicted",
		zap.Int("index", i+1),
		zap.String("collector", c.Name()),
		zap.String("type", c.Scale().Type),
		zap.String("stage", stage),
		zap.Error(err))
	c.Unload()
	if r.observer != nil {
		r.observer.CollectorEvicted(c.Name(), stage, err)
	}
}

// LoadAll points every collector at pid and loads it. Collectors that fail
// are evicted; ErrNoCollectors is returned when none remain.
func (r *Registry) LoadAll(pid int32) error {
	kept := r.collectors[:0]
	for i, c := range r.collectors {
		r.log.Info("Loading collector",
			zap.Int("index", i+1),
			zap.String("collector", c.Name()),
			zap.String("type", c.Scale().Type))

		err := c.SetPid(pid)
		if err == nil {
			err = c.Load()
		}
		if err != nil {
			r.evict(i, c, StageLoad, err)
			continue
		}
		kept = append(kept, c)
	}
	clear(r.collectors[len(kept):])
	r.collectors = kept

	if len(r.collectors) == 0 {
		return ErrNoCollectors
	}
	return nil
}

// AttachAll attaches every collector in order, evicting failures
func (r *Registry) AttachAll() error {
	if len(r.collectors) == 0 {
		return ErrNoCollectors
	}
	kept := r.collectors[:0]
	for i, c := range r.collectors {
		if err := c.Attach(); err != nil {
			r.evict(i, c, StageAttach, err)
			continue
		}
		kept = append(kept, c)
	}
	clear(r.collectors[len(kept):])
	r.collectors = kept

	if len(r.collectors) == 0 {
		return ErrNoCollectors
	}
	return nil
}

// DetachAll detaches every collector
func (r *Registry) DetachAll() {
	for _, c := range r.collectors {
		c.Detach()
	}
}

// Collect ends a window: each collector is detached and its snapshot
// emitted, in registry order
func (r *Registry) Collect(emit func(Report)) {
	for _, c := range r.collectors {
		c.Detach()
		emit(c.Snapshot())
	}
}

// Shutdown detaches and unloads every collector, emitting final snapshots
// when final is set. Only the first call has any effect.
func (r *Registry) Shutdown(final bool, emit func(Report)) {
	r.shutdown.Do(func() {
		for _, c := range r.collectors {
			c.Detach()
			if final && emit != nil && c.State() != Unloaded {
				emit(c.Snapshot())
			}
			c.Unload()
		}
		r.log.Debug("Registry shut down", zap.Int("collectors", len(r.collectors)))
	})
}
