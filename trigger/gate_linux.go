//go:build linux

package trigger

import (
	"context"
	"encoding/binary"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Gate blocks sampling until its pressure event fires
type Gate struct {
	path  string
	event string
	fd    int
	log   *zap.Logger
}

// Open registers event on the control file at path
func Open(path, event string, log *zap.Logger) (*Gate, error) {
	if log == nil {
		log = zap.NewNop()
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &IOError{Op: "open", Path: path, Err: err}
	}
	// the kernel expects the terminating NUL
	if _, err := unix.Write(fd, append([]byte(event), 0)); err != nil {
		unix.Close(fd)
		return nil, &IOError{Op: "write", Path: path, Err: err}
	}

	g := newGate(fd, path, log)
	g.event = event
	g.log.Info("Waiting for events", zap.String("event", event))
	return g, nil
}

func newGate(fd int, path string, log *zap.Logger) *Gate {
	return &Gate{
		path: path,
		fd:   fd,
		log:  log.Named("trigger").With(zap.String("path", path)),
	}
}

// Wait blocks until the event fires or ctx is done. It sleeps in poll(2)
// and is woken through an eventfd on cancellation.
func (g *Gate) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return &IOError{Op: "eventfd", Path: g.path, Err: err}
	}
	defer unix.Close(efd)

	// efd is closed only after the waker has returned
	done, exited := make(chan struct{}), make(chan struct{})
	defer func() {
		close(done)
		<-exited
	}()
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			buf := binary.NativeEndian.AppendUint64(nil, 1)
			_, _ = unix.Write(efd, buf)
		case <-done:
		}
	}()

	fds := []unix.PollFd{
		{Fd: int32(g.fd), Events: unix.POLLPRI},
		{Fd: int32(efd), Events: unix.POLLIN},
	}
	for {
		_, err := unix.Poll(fds, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return &IOError{Op: "poll", Path: g.path, Err: err}
		}
		if fds[1].Revents&unix.POLLIN != 0 {
			return ctx.Err()
		}
		if fds[0].Revents&unix.POLLERR != 0 {
			return &SourceError{Path: g.path}
		}
		if fds[0].Revents&unix.POLLPRI != 0 {
			g.log.Info("Event triggered")
			return nil
		}
	}
}

// Close releases the control file, which also unregisters the event
func (g *Gate) Close() error {
	if g.fd < 0 {
		return nil
	}
	err := unix.Close(g.fd)
	g.fd = -1
	return err
}
