package collector

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jnesss/stack-analyzer/backend"
)

type evictions struct {
	seen []string
}

func (e *evictions) CollectorEvicted(name, stage string, err error) {
	e.seen = append(e.seen, name+"/"+stage)
}

func TestLoadAllEvictsFailures(t *testing.T) {
	good1, bad, good2 := backend.NewMemory(), backend.NewMemory(), backend.NewMemory()
	bad.LoadErr = errors.New("BTF missing")

	obs := &evictions{}
	r := NewRegistry(zaptest.NewLogger(t),
		NewOnCPU(good1, nil), NewOffCPU(bad, nil), NewReadahead(good2, nil))
	r.SetObserver(obs)

	require.NoError(t, r.LoadAll(42))
	assert.Equal(t, []string{KindOnCPU, KindReadahead}, r.Names())
	assert.Equal(t, []string{KindOffCPU + "/" + StageLoad}, obs.seen)
	assert.Equal(t, int32(42), good1.Config().TargetPid)
	assert.Equal(t, int32(42), good2.Config().TargetPid)

	var emitted []string
	r.Shutdown(true, func(rep Report) { emitted = append(emitted, rep.Collector) })
	assert.Equal(t, []string{KindOnCPU, KindReadahead}, emitted)
	assert.Equal(t, []string{"open", "load", "destroy"}, bad.History())
	assert.Contains(t, good1.History(), "destroy")
	assert.Contains(t, good2.History(), "destroy")
}

func TestLoadAllEmptyAfterEviction(t *testing.T) {
	bad := backend.NewMemory()
	bad.LoadErr = errors.New("no perf events")
	r := NewRegistry(zaptest.NewLogger(t), NewOnCPU(bad, nil))

	assert.ErrorIs(t, r.LoadAll(backend.AllProcesses), ErrNoCollectors)
	assert.Zero(t, r.Len())
}

func TestEmptyRegistry(t *testing.T) {
	r := NewRegistry(nil)
	assert.ErrorIs(t, r.LoadAll(-1), ErrNoCollectors)
	assert.ErrorIs(t, r.AttachAll(), ErrNoCollectors)
}

func TestAttachAllEvictsFailures(t *testing.T) {
	good, bad := backend.NewMemory(), backend.NewMemory()
	bad.AttachErr = errors.New("kprobe busy")

	obs := &evictions{}
	r := NewRegistry(zaptest.NewLogger(t), NewOffCPU(bad, nil), NewIO(good, nil))
	r.SetObserver(obs)
	require.NoError(t, r.LoadAll(-1))

	require.NoError(t, r.AttachAll())
	assert.Equal(t, []string{KindIO}, r.Names())
	assert.Equal(t, []string{KindOffCPU + "/" + StageAttach}, obs.seen)
	assert.True(t, good.Attached())
	assert.False(t, bad.Loaded())

	r.DetachAll()
	assert.False(t, good.Attached())
}

func TestCollectDetachesThenEmitsInOrder(t *testing.T) {
	mems := []*backend.Memory{backend.NewMemory(), backend.NewMemory(), backend.NewMemory()}
	r := NewRegistry(nil, NewOnCPU(mems[0], nil), NewOffCPU(mems[1], nil), NewMemleak(mems[2], nil))
	require.NoError(t, r.LoadAll(-1))
	require.NoError(t, r.AttachAll())

	var order []string
	r.Collect(func(rep Report) {
		order = append(order, rep.Collector)
		for _, m := range mems {
			if m.Config().Name == rep.Collector {
				assert.False(t, m.Attached(), "detached before render")
			}
		}
	})
	assert.Equal(t, []string{KindOnCPU, KindOffCPU, KindMemleak}, order)
}

func TestShutdownRunsOnce(t *testing.T) {
	mem := backend.NewMemory()
	c := NewOffCPU(mem, nil)
	r := NewRegistry(nil, c)
	require.NoError(t, r.LoadAll(-1))
	require.NoError(t, r.AttachAll())

	emitted := 0
	emit := func(Report) { emitted++ }
	r.Shutdown(true, emit)
	r.Shutdown(true, emit)

	assert.Equal(t, 1, emitted)
	assert.Equal(t, Unloaded, c.State())
	assert.False(t, mem.Attached())
}

func TestShutdownWithoutFinalRender(t *testing.T) {
	r := NewRegistry(nil, NewOffCPU(backend.NewMemory(), nil))
	require.NoError(t, r.LoadAll(-1))

	emitted := 0
	r.Shutdown(false, func(Report) { emitted++ })
	assert.Zero(t, emitted)
}
