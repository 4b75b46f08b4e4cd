package process

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func spawn(t *testing.T, command string, out *syncBuffer) *Target {
	t.Helper()
	opts := SpawnOptions{Shell: "/bin/sh", Logger: zaptest.NewLogger(t)}
	if out != nil {
		opts.Stdout = out
	}
	target, err := Spawn(command, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = target.Terminate() })
	return target
}

func TestNone(t *testing.T) {
	target := None()
	assert.Equal(t, AllProcesses, target.Pid())
	assert.True(t, target.Alive())
	assert.NoError(t, target.Release())
	assert.NoError(t, target.Terminate())
	assert.False(t, target.Spawned())
}

func TestExisting(t *testing.T) {
	target, err := Existing(int32(os.Getpid()))
	require.NoError(t, err)
	assert.True(t, target.Alive())
	assert.NoError(t, target.Terminate())
	assert.True(t, target.Alive(), "existing processes are never signalled")

	_, err = Existing(0)
	assert.Error(t, err)
	_, err = Existing(1 << 30)
	assert.Error(t, err)
}

func TestSpawnWaitsForRelease(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "ran")
	out := &syncBuffer{}
	target := spawn(t, "echo started; touch "+marker, out)

	assert.True(t, target.Spawned())
	assert.Positive(t, target.Pid())

	time.Sleep(100 * time.Millisecond)
	assert.True(t, target.Alive())
	assert.NoFileExists(t, marker)

	require.NoError(t, target.Release())
	require.Eventually(t, func() bool { return !target.Alive() }, 5*time.Second, 10*time.Millisecond)
	assert.FileExists(t, marker)
	assert.Equal(t, "started\n", out.String())
	assert.NoError(t, target.Err())
}

func TestSpawnKeepsPidAcrossExec(t *testing.T) {
	out := &syncBuffer{}
	target := spawn(t, "echo $$", out)
	require.NoError(t, target.Release())
	require.Eventually(t, func() bool { return !target.Alive() }, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, itoa(target.Pid())+"\n", out.String())
}

func TestTerminate(t *testing.T) {
	target := spawn(t, "sleep 30", nil)
	require.NoError(t, target.Release())
	assert.True(t, target.Alive())

	require.NoError(t, target.Terminate())
	require.Eventually(t, func() bool { return !target.Alive() }, 5*time.Second, 10*time.Millisecond)
	assert.Error(t, target.Err())
	assert.NoError(t, target.Terminate())
}

func TestTerminateBeforeRelease(t *testing.T) {
	target := spawn(t, "sleep 30", nil)
	require.NoError(t, target.Terminate())
	require.Eventually(t, func() bool { return !target.Alive() }, 5*time.Second, 10*time.Millisecond)
}

func TestSpawnErrors(t *testing.T) {
	_, err := Spawn("", SpawnOptions{})
	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)

	_, err = Spawn("true", SpawnOptions{Shell: "/nonexistent/shell"})
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, "true", spawnErr.Command)
}
