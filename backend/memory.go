package backend

import (
	"sync"

	"github.com/jnesss/stack-analyzer/types"
)

// Memory is an in-process Backend backed by plain maps. It behaves like a
// kernel hash table: injected samples accumulate per key until drained.
// It is used for dry runs and by tests, which can inject failures.
type Memory struct {
	mu sync.Mutex

	// LoadErr and AttachErr make the matching lifecycle step fail
	LoadErr   error
	AttachErr error
	ReadErr   error

	config  Config
	opened  bool
	loaded  bool
	attach  bool
	table   map[types.StackKey]types.Sample
	stacks  map[int32][]uint64
	tasks   map[uint32]types.TaskInfo
	history []string
}

// NewMemory creates an empty in-memory backend
func NewMemory() *Memory {
	return &Memory{
		table:  make(map[types.StackKey]types.Sample),
		stacks: make(map[int32][]uint64),
		tasks:  make(map[uint32]types.TaskInfo),
	}
}

func (m *Memory) record(op string) {
	m.history = append(m.history, op)
}

// Open stores the configuration
func (m *Memory) Open(cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("open")
	m.config = cfg
	m.opened = true
	return nil
}

// Load fails with LoadErr when set
func (m *Memory) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("load")
	if m.LoadErr != nil {
		return m.LoadErr
	}
	m.loaded = true
	return nil
}

// Attach fails with AttachErr when set
func (m *Memory) Attach() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("attach")
	if m.AttachErr != nil {
		return m.AttachErr
	}
	m.attach = true
	return nil
}

// Detach marks the backend detached
func (m *Memory) Detach() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("detach")
	m.attach = false
}

// Destroy releases everything
func (m *Memory) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("destroy")
	m.attach = false
	m.loaded = false
	m.opened = false
	clear(m.table)
}

// Read returns the table, draining it when asked to
func (m *Memory) Read(drain bool) ([]types.Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadErr != nil {
		return nil, m.ReadErr
	}
	out := make([]types.Sample, 0, len(m.table))
	for _, s := range m.table {
		out = append(out, s)
	}
	if drain {
		clear(m.table)
	}
	return out, nil
}

// Stack returns an injected stack
func (m *Memory) Stack(id int32) ([]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stacks[id], nil
}

// Tasks returns injected task metadata
func (m *Memory) Tasks(drain bool) (map[uint32]types.TaskInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uint32]types.TaskInfo, len(m.tasks))
	for pid, info := range m.tasks {
		out[pid] = info
	}
	if drain {
		clear(m.tasks)
	}
	return out, nil
}

// Inject accumulates a sample the way a kernel program would
func (m *Memory) Inject(s types.Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.table[s.Key]
	cur.Key = s.Key
	cur.Value += s.Value
	cur.Count += max(s.Count, 1)
	m.table[s.Key] = cur
}

// InjectStack records a stack trace
func (m *Memory) InjectStack(id int32, ips []uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stacks[id] = ips
}

// InjectTask records task metadata
func (m *Memory) InjectTask(pid uint32, info types.TaskInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[pid] = info
}

// Config returns the configuration passed to Open
func (m *Memory) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config
}

// Attached reports whether the backend is currently attached
func (m *Memory) Attached() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attach
}

// Loaded reports whether the backend holds loaded programs
func (m *Memory) Loaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loaded
}

// History returns the lifecycle calls made so far
func (m *Memory) History() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.history...)
}
