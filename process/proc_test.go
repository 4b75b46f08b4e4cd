package process

import (
	"errors"
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func itoa(pid int32) string {
	return strconv.Itoa(int(pid))
}

func TestExists(t *testing.T) {
	assert.True(t, Exists(int32(os.Getpid())))
	assert.False(t, Exists(-1))
	assert.False(t, Exists(0))
}

func TestLookupSelf(t *testing.T) {
	info, err := Lookup(int32(os.Getpid()))
	require.NoError(t, err)
	assert.NotEmpty(t, info.Comm)
	assert.NotEmpty(t, info.ExePath)
	assert.NotEmpty(t, info.CmdLine)
}

func TestParseCmdline(t *testing.T) {
	assert.Equal(t, "nginx -g daemon off;", parseCmdline([]byte("nginx\x00-g\x00daemon off;\x00")))
	assert.Empty(t, parseCmdline(nil))
}

func TestParseContainerID(t *testing.T) {
	id := "4f1a2b3c4d5e6f708192a3b4c5d6e7f8091a2b3c4d5e6f708192a3b4c5d6e7f8"
	tests := []struct {
		name   string
		cgroup string
		want   string
	}{
		{"docker v1", "12:pids:/docker/" + id + "\n", id},
		{"systemd scope", "0::/system.slice/docker-" + id + ".scope\n", id},
		{"containerd", "0::/containerd/" + id[:12] + "\n", id[:12]},
		{"host", "0::/user.slice/user-1000.slice/session-2.scope\n", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseContainerID(tt.cgroup))
		})
	}
}

func TestCache(t *testing.T) {
	c, err := NewCache(2)
	require.NoError(t, err)

	calls := 0
	c.lookup = func(pid int32) (Info, error) {
		calls++
		if pid == 99 {
			return Info{}, errors.New("gone")
		}
		return Info{Pid: pid, Comm: "p" + itoa(pid)}, nil
	}

	assert.Equal(t, "p1", c.Get(1).Comm)
	assert.Equal(t, "p1", c.Get(1).Comm)
	assert.Equal(t, 1, calls)

	assert.Equal(t, Info{Pid: 99}, c.Get(99))
	assert.Equal(t, 1, c.Len())

	c.Get(2)
	c.Get(3)
	assert.Equal(t, 2, c.Len())
	c.Get(1)
	assert.Equal(t, 5, calls, "evicted entries are looked up again")

	_, err = NewCache(0)
	assert.Error(t, err)
}
