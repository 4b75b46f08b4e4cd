package collector

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnesss/stack-analyzer/backend"
)

func TestParseSpec(t *testing.T) {
	yes, no := true, false
	tests := []struct {
		in   string
		want Spec
	}{
		{"off_cpu", Spec{Kind: KindOffCPU}},
		{"on_cpu:freq=99,u,k", Spec{Kind: KindOnCPU, Frequency: 99, TraceUser: true, TraceKernel: true}},
		{"io:mode=size", Spec{Kind: KindIO, Mode: "size"}},
		{"memleak:rate=8,w,delta", Spec{Kind: KindMemleak, SampleRate: 8, MissingFreeWorkaround: true, Delta: &yes}},
		{"readahead:delta=false", Spec{Kind: KindReadahead, Delta: &no}},
		{"probe:probe=t:sched:sched_switch,k", Spec{Kind: KindProbe, Probe: "t:sched:sched_switch", TraceKernel: true}},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSpec(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSpecErrors(t *testing.T) {
	for _, in := range []string{
		"gpu",
		"on_cpu:freq",
		"on_cpu:freq=fast",
		"off_cpu:mode=size",
		"io:bogus",
		"memleak:delta=maybe",
	} {
		_, err := ParseSpec(in)
		assert.Error(t, err, in)
	}
}

func TestBuilderBuildsInOrder(t *testing.T) {
	b := NewBuilder()
	for _, s := range []string{"memleak:rate=4", "on_cpu:freq=97", "io:mode=aver", "probe:probe=vfs_read"} {
		spec, err := ParseSpec(s)
		require.NoError(t, err)
		require.NoError(t, b.Add(spec))
	}
	assert.Error(t, b.Add(Spec{Kind: "gpu"}))
	assert.Equal(t, 4, b.Len())

	var kinds []string
	collectors, err := b.Build(func(kind string) (backend.Backend, error) {
		kinds = append(kinds, kind)
		return backend.NewMemory(), nil
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{KindMemleak, KindOnCPU, KindIO, KindProbe}, kinds)
	require.Len(t, collectors, 4)
	assert.Equal(t, int64(1e9)/97, collectors[1].Scale().Period)
	assert.Equal(t, "AverageIOSize", collectors[2].Scale().Type)
	assert.Equal(t, "vfs_readStackCounts", collectors[3].Scale().Type)
}

func TestBuilderErrors(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Add(Spec{Kind: KindIO, Mode: "median"}))
	_, err := b.Build(func(string) (backend.Backend, error) { return backend.NewMemory(), nil }, nil)
	assert.Error(t, err)

	b = NewBuilder()
	require.NoError(t, b.Add(Spec{Kind: KindOffCPU}))
	_, err = b.Build(func(string) (backend.Backend, error) { return nil, backend.ErrUnsupported }, nil)
	assert.True(t, errors.Is(err, backend.ErrUnsupported))

	b = NewBuilder()
	require.NoError(t, b.Add(Spec{Kind: KindProbe}))
	_, err = b.Build(func(string) (backend.Backend, error) { return backend.NewMemory(), nil }, nil)
	assert.Error(t, err)
}
