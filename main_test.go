package main

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jnesss/stack-analyzer/config"
	"github.com/jnesss/stack-analyzer/database"
	"github.com/jnesss/stack-analyzer/process"
	"github.com/jnesss/stack-analyzer/web"
)

func TestNewLogger(t *testing.T) {
	log, err := newLogger("debug", "console")
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(-1))

	log, err = newLogger("warn", "json")
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(0))

	_, err = newLogger("loud", "json")
	assert.Error(t, err)
}

func TestNewTarget(t *testing.T) {
	log := zaptest.NewLogger(t)

	target, err := newTarget(config.Default(), log)
	require.NoError(t, err)
	assert.Equal(t, process.AllProcesses, target.Pid())

	cfg := config.Default()
	cfg.Pid = int32(os.Getpid())
	target, err = newTarget(cfg, log)
	require.NoError(t, err)
	assert.Equal(t, cfg.Pid, target.Pid())
	assert.False(t, target.Spawned())
}

func TestRunWithoutObjects(t *testing.T) {
	cfg := config.Default()
	cfg.Objects = t.TempDir()

	// every collector fails to load, which empties the registry
	err := run(context.Background(), cfg, []string{"on_cpu", "off_cpu"}, zaptest.NewLogger(t))
	assert.Error(t, err)

	assert.Error(t, run(context.Background(), cfg, nil, zaptest.NewLogger(t)))
}

func TestStartWebStopsBeforeStoreCloses(t *testing.T) {
	log := zaptest.NewLogger(t)
	store, err := database.Open(t.TempDir())
	require.NoError(t, err)

	stop := startWeb(context.Background(), web.NewServer(store, nil, "127.0.0.1:0", log), log)
	stopped := make(chan struct{})
	go func() {
		stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(10 * time.Second):
		t.Fatal("web server did not stop")
	}
	assert.NoError(t, store.Close())
}
