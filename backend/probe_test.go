package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProbe(t *testing.T) {
	tests := []struct {
		in   string
		want Probe
	}{
		{"vfs_read", Probe{Kind: Kprobe, Name: "vfs_read"}},
		{"p::vfs_write", Probe{Kind: Kprobe, Name: "vfs_write"}},
		{"t:sched:sched_switch", Probe{Kind: Tracepoint, Group: "sched", Name: "sched_switch"}},
		{"c:malloc", Probe{Kind: Uprobe, Group: "c", Name: "malloc"}},
		{"p:/usr/lib/libssl.so:SSL_write", Probe{Kind: Uprobe, Group: "/usr/lib/libssl.so", Name: "SSL_write"}},
		{"u:pthread:pthread_start", Probe{Kind: USDT, Group: "pthread", Name: "pthread_start"}},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseProbe(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseProbeRejects(t *testing.T) {
	for _, in := range []string{"", "x:a:b", "t::name", "a:b:c:d", ":func", "p:lib:"} {
		_, err := ParseProbe(in)
		assert.Error(t, err, in)
	}
}

func TestProbeString(t *testing.T) {
	for _, in := range []string{"vfs_read", "t:sched:sched_switch", "c:malloc", "u:pthread:pthread_start"} {
		p, err := ParseProbe(in)
		require.NoError(t, err)
		assert.Equal(t, in, p.String())
	}
}
