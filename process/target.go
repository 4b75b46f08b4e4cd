// Package process manages the process being sampled: an existing pid, a
// command spawned on demand, or every process on the host.
package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// AllProcesses is the pid used when no target is selected
const AllProcesses int32 = -1

// DefaultShell runs spawned commands
const DefaultShell = "/bin/bash"

// gate blocks on fd 3 until released, then replaces itself with the shell
// running the command. The pid is unchanged by exec.
const gate = `read -r _ <&3 || exit 125; exec 3<&-; exec "$0" -c "$1"`

// SpawnError reports a command that could not be started
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

type kind int

const (
	kindAll kind = iota
	kindExisting
	kindSpawned
)

// Target is the process being sampled
type Target struct {
	kind kind
	pid  int32
	log  *zap.Logger

	cmd     *exec.Cmd
	release *os.File
	exited  chan struct{}
	waitErr error
}

// None targets every process. It is always alive.
func None() *Target {
	return &Target{kind: kindAll, pid: AllProcesses, log: zap.NewNop()}
}

// Existing targets a running process
func Existing(pid int32) (*Target, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("invalid pid %d", pid)
	}
	if !Exists(pid) {
		return nil, fmt.Errorf("process %d does not exist", pid)
	}
	return &Target{kind: kindExisting, pid: pid, log: zap.NewNop()}, nil
}

// SpawnOptions controls how a command is started
type SpawnOptions struct {
	// Shell interprets the command, DefaultShell when empty
	Shell string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Credential runs the command as another user when set
	Credential *syscall.Credential

	Logger *zap.Logger
}

// Spawn starts command held at a gate. The command only runs once Release
// is called, so probes can be loaded against its pid first.
func Spawn(command string, opts SpawnOptions) (*Target, error) {
	if command == "" {
		return nil, &SpawnError{Command: command, Err: errors.New("empty command")}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	shell := opts.Shell
	if shell == "" {
		shell = DefaultShell
	}
	if _, err := exec.LookPath(shell); err != nil {
		return nil, &SpawnError{Command: command, Err: err}
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Command: command, Err: err}
	}

	cmd := exec.Command("/bin/sh", "-c", gate, shell, command)
	cmd.ExtraFiles = []*os.File{r}
	cmd.Stdin = opts.Stdin
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	if opts.Credential != nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{Credential: opts.Credential}
	}

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, &SpawnError{Command: command, Err: err}
	}
	r.Close()

	t := &Target{
		kind:    kindSpawned,
		pid:     int32(cmd.Process.Pid),
		log:     log.Named("target"),
		cmd:     cmd,
		release: w,
		exited:  make(chan struct{}),
	}
	go t.reap()

	t.log.Info("Created child", zap.Int32("pid", t.pid), zap.String("command", command))
	return t, nil
}

func (t *Target) reap() {
	t.waitErr = t.cmd.Wait()
	close(t.exited)
}

// Pid returns the pid to trace, AllProcesses when every process is traced
func (t *Target) Pid() int32 { return t.pid }

// Spawned reports whether the target was started by Spawn
func (t *Target) Spawned() bool { return t.kind == kindSpawned }

// Release lets a spawned command run. It is a no-op otherwise.
func (t *Target) Release() error {
	if t.kind != kindSpawned || t.release == nil {
		return nil
	}
	defer func() {
		t.release.Close()
		t.release = nil
	}()
	if _, err := t.release.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("failed to wake up child %d: %w", t.pid, err)
	}
	t.log.Info("Woke up child", zap.Int32("pid", t.pid))
	return nil
}

// Alive reports whether the target can still be sampled. A spawned child
// that has exited is not alive even before it is reaped.
func (t *Target) Alive() bool {
	switch t.kind {
	case kindSpawned:
		select {
		case <-t.exited:
			return false
		default:
			return true
		}
	case kindExisting:
		return Exists(t.pid)
	}
	return true
}

// Done is closed when a spawned child exits; it is nil for other targets
func (t *Target) Done() <-chan struct{} {
	return t.exited
}

// Err returns the spawned child's exit status once it has exited
func (t *Target) Err() error {
	if t.kind != kindSpawned {
		return nil
	}
	select {
	case <-t.exited:
		return t.waitErr
	default:
		return nil
	}
}

// Terminate sends SIGTERM to a spawned child. Other targets are left alone.
func (t *Target) Terminate() error {
	if t.kind != kindSpawned {
		return nil
	}
	if t.release != nil {
		// never released: closing the gate makes the child exit
		t.release.Close()
		t.release = nil
	}
	select {
	case <-t.exited:
		return nil
	default:
	}
	err := t.cmd.Process.Signal(unix.SIGTERM)
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to terminate child %d: %w", t.pid, err)
	}
	t.log.Info("Terminated child", zap.Int32("pid", t.pid))
	return nil
}
