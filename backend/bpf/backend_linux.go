//go:build linux

package bpf

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/zap"

	"github.com/jnesss/stack-analyzer/backend"
	"github.com/jnesss/stack-analyzer/types"
)

var memlock = sync.OnceValue(rlimit.RemoveMemlock)

// Backend drives one BPF object file
type Backend struct {
	dir  string
	kind string
	log  *zap.Logger

	cfg  backend.Config
	spec *ebpf.CollectionSpec
	coll *ebpf.Collection

	links []link.Link
	perf  []*perfEvent
}

var _ backend.Backend = (*Backend)(nil)
var _ backend.StackReader = (*Backend)(nil)
var _ backend.TaskReader = (*Backend)(nil)

// New creates a backend for a collector kind. Nothing is read from disk
// until Open.
func New(dir, kind string, log *zap.Logger) (*Backend, error) {
	if log == nil {
		log = zap.NewNop()
	}
	return &Backend{
		dir:  dir,
		kind: kind,
		log:  log.Named("bpf").With(zap.String("object", kind)),
	}, nil
}

// Open parses the object file and rewrites its read-only configuration
func (b *Backend) Open(cfg backend.Config) error {
	path := ObjectPath(b.dir, b.kind)
	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return fmt.Errorf("failed to load BPF spec from %s: %w", path, err)
	}
	if _, ok := spec.Maps[CountMap]; !ok {
		return fmt.Errorf("%s has no %s map", path, CountMap)
	}

	consts := map[string]interface{}{
		"trace_user":   cfg.TraceUser,
		"trace_kernel": cfg.TraceKernel,
		"self_pid":     cfg.SelfPid,
		"target_pid":   cfg.TargetPid,
	}
	for k, v := range cfg.Constants {
		consts[k] = v
	}
	// only rewrite what this object declares
	for name := range consts {
		if _, ok := spec.Variables[name]; !ok {
			b.log.Debug("Constant not declared by object", zap.String("name", name))
			delete(consts, name)
		}
	}
	if err := spec.RewriteConstants(consts); err != nil {
		return fmt.Errorf("failed to rewrite constants: %w", err)
	}

	b.cfg = cfg
	b.spec = spec
	return nil
}

// Load verifies and loads the programs into the kernel
func (b *Backend) Load() error {
	if b.spec == nil {
		return errors.New("backend not opened")
	}
	if err := memlock(); err != nil {
		return fmt.Errorf("failed to remove memlock: %w", err)
	}

	coll, err := ebpf.NewCollectionWithOptions(b.spec, ebpf.CollectionOptions{
		Programs: ebpf.ProgramOptions{
			LogDisabled: true,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to load BPF objects: %w", err)
	}
	b.coll = coll
	return nil
}

func (b *Backend) program(name string) (*ebpf.Program, error) {
	prog, ok := b.coll.Programs[name]
	if !ok {
		return nil, fmt.Errorf("program %s not found in %s", name, ObjectPath(b.dir, b.kind))
	}
	return prog, nil
}

// Attach connects the programs to their hook points
func (b *Backend) Attach() error {
	if b.coll == nil {
		return errors.New("backend not loaded")
	}
	switch b.kind {
	case "on_cpu":
		return b.attachPerf()
	case "off_cpu":
		return b.attachSwitch()
	case "memleak":
		return b.attachAllocator()
	case "probe":
		return b.attachProbe()
	}
	return b.attachSections()
}

func (b *Backend) attachPerf() error {
	prog, err := b.program("do_stack")
	if err != nil {
		return err
	}
	cpus, err := onlineCPUs()
	if err != nil {
		return err
	}
	freq := b.cfg.Attach.Frequency
	if freq == 0 {
		return errors.New("sampling frequency not set")
	}
	for _, cpu := range cpus {
		pe, err := newPerfEvent(cpu, freq)
		if err != nil {
			return err
		}
		b.perf = append(b.perf, pe)
		if err := pe.attach(prog); err != nil {
			return fmt.Errorf("failed to attach perf event on cpu %d: %w", cpu, err)
		}
	}
	b.log.Debug("Perf events attached", zap.Int("cpus", len(cpus)), zap.Uint64("freq", freq))
	return nil
}

func (b *Backend) attachSwitch() error {
	prog, err := b.program("do_stack")
	if err != nil {
		return err
	}
	symbol, err := switchSymbol()
	if err != nil {
		return err
	}
	kp, err := link.Kprobe(symbol, prog, nil)
	if err != nil {
		return fmt.Errorf("failed to attach kprobe %s: %w", symbol, err)
	}
	b.links = append(b.links, kp)
	return nil
}

func (b *Backend) uprobeOptions() *link.UprobeOptions {
	if b.cfg.TargetPid > 0 {
		return &link.UprobeOptions{PID: int(b.cfg.TargetPid)}
	}
	return nil
}

func (b *Backend) attachAllocator() error {
	lib := b.cfg.Attach.Library
	if lib == "" {
		lib = "c"
	}
	path, err := resolveLibrary(lib, b.cfg.TargetPid)
	if err != nil {
		return err
	}
	ex, err := link.OpenExecutable(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}

	hooks := []struct {
		prog   string
		symbol string
		ret    bool
	}{
		{"malloc_enter", "malloc", false},
		{"malloc_exit", "malloc", true},
		{"free_enter", "free", false},
	}
	for _, h := range hooks {
		prog, err := b.program(h.prog)
		if err != nil {
			return err
		}
		var l link.Link
		if h.ret {
			l, err = ex.Uretprobe(h.symbol, prog, b.uprobeOptions())
		} else {
			l, err = ex.Uprobe(h.symbol, prog, b.uprobeOptions())
		}
		if err != nil {
			return fmt.Errorf("failed to attach uprobe %s:%s: %w", path, h.symbol, err)
		}
		b.links = append(b.links, l)
	}
	return nil
}

func (b *Backend) attachProbe() error {
	p := b.cfg.Attach.Probe
	if p == nil {
		return errors.New("probe not set")
	}

	switch p.Kind {
	case backend.Kprobe:
		prog, err := b.program("handle")
		if err != nil {
			return err
		}
		kp, err := link.Kprobe(p.Name, prog, nil)
		if err != nil {
			return fmt.Errorf("failed to attach kprobe %s: %w", p.Name, err)
		}
		b.links = append(b.links, kp)
	case backend.Tracepoint:
		prog, err := b.program("handle_tp")
		if err != nil {
			return err
		}
		tp, err := link.Tracepoint(p.Group, p.Name, prog, nil)
		if err != nil {
			return fmt.Errorf("failed to attach tracepoint %s:%s: %w", p.Group, p.Name, err)
		}
		b.links = append(b.links, tp)
	case backend.Uprobe:
		prog, err := b.program("handle")
		if err != nil {
			return err
		}
		path, err := resolveLibrary(p.Group, b.cfg.TargetPid)
		if err != nil {
			return err
		}
		ex, err := link.OpenExecutable(path)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", path, err)
		}
		up, err := ex.Uprobe(p.Name, prog, b.uprobeOptions())
		if err != nil {
			return fmt.Errorf("failed to attach uprobe %s:%s: %w", path, p.Name, err)
		}
		b.links = append(b.links, up)
	case backend.USDT:
		b.log.Warn("USDT probes are not attached", zap.String("probe", p.String()))
	}
	return nil
}

// attachSections attaches every program by its ELF section name
func (b *Backend) attachSections() error {
	for name, prog := range b.coll.Programs {
		ps, ok := b.spec.Programs[name]
		if !ok {
			continue
		}
		sec, ok := parseSection(ps.SectionName)
		if !ok {
			b.log.Debug("Skipping program without attach section",
				zap.String("program", name), zap.String("section", ps.SectionName))
			continue
		}

		var l link.Link
		var err error
		switch sec.kind {
		case "kprobe":
			l, err = link.Kprobe(sec.name, prog, nil)
		case "kretprobe":
			l, err = link.Kretprobe(sec.name, prog, nil)
		case "tracepoint":
			l, err = link.Tracepoint(sec.group, sec.name, prog, nil)
		case "raw_tracepoint":
			l, err = link.AttachRawTracepoint(link.RawTracepointOptions{Name: sec.name, Program: prog})
		case "fentry", "fexit":
			l, err = link.AttachTracing(link.TracingOptions{Program: prog})
		}
		if err != nil {
			return fmt.Errorf("failed to attach %s (%s): %w", name, ps.SectionName, err)
		}
		b.links = append(b.links, l)
	}
	if len(b.links) == 0 {
		return fmt.Errorf("no attachable programs in %s", ObjectPath(b.dir, b.kind))
	}
	return nil
}

// Detach closes every link and perf event
func (b *Backend) Detach() {
	closeAll(b.log, b.links)
	b.links = nil
	for _, pe := range b.perf {
		_ = pe.Close()
	}
	b.perf = nil
}

func closeAll[C io.Closer](log *zap.Logger, cs []C) {
	for _, c := range cs {
		if err := c.Close(); err != nil {
			log.Debug("Failed to close link", zap.Error(err))
		}
	}
}

// Destroy detaches and unloads everything
func (b *Backend) Destroy() {
	b.Detach()
	if b.coll != nil {
		b.coll.Close()
		b.coll = nil
	}
	b.spec = nil
}

// Read walks the count map. Entries are deleted after the walk when drain
// is set so iteration is not disturbed.
func (b *Backend) Read(drain bool) ([]types.Sample, error) {
	if b.coll == nil {
		return nil, errors.New("backend not loaded")
	}
	m := b.coll.Maps[CountMap]

	var (
		out  []types.Sample
		keys []types.StackKey
		key  types.StackKey
		val  = make([]byte, m.ValueSize())
	)
	it := m.Iterate()
	for it.Next(&key, val) {
		value, count := decodeValue(b.kind, val)
		out = append(out, types.Sample{Key: key, Value: value, Count: count})
		if drain {
			keys = append(keys, key)
		}
	}
	if err := it.Err(); err != nil {
		return out, fmt.Errorf("failed to iterate %s: %w", CountMap, err)
	}

	for _, k := range keys {
		if err := m.Delete(k); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
			b.log.Debug("Failed to delete count entry", zap.Error(err))
		}
	}
	return out, nil
}

// Stack looks up a stack trace, innermost frame first
func (b *Backend) Stack(id int32) ([]uint64, error) {
	if b.coll == nil || id < 0 {
		return nil, nil
	}
	m, ok := b.coll.Maps[TraceMap]
	if !ok {
		return nil, nil
	}
	ips := make([]uint64, m.ValueSize()/8)
	if err := m.Lookup(uint32(id), ips); err != nil {
		if errors.Is(err, ebpf.ErrKeyNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up stack %d: %w", id, err)
	}
	return trimStack(ips), nil
}

// Tasks reads the per-pid metadata map when the object has one
func (b *Backend) Tasks(drain bool) (map[uint32]types.TaskInfo, error) {
	if b.coll == nil {
		return nil, nil
	}
	m, ok := b.coll.Maps[InfoMap]
	if !ok {
		return nil, nil
	}

	out := make(map[uint32]types.TaskInfo)
	var (
		pid  uint32
		info types.TaskInfo
	)
	it := m.Iterate()
	for it.Next(&pid, &info) {
		out[pid] = info
	}
	if err := it.Err(); err != nil {
		return out, fmt.Errorf("failed to iterate %s: %w", InfoMap, err)
	}
	if drain {
		for pid := range out {
			_ = m.Delete(pid)
		}
	}
	return out, nil
}
