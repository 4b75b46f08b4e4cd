//go:build linux

package bpf

import (
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"golang.org/x/sys/unix"
)

// perfEvent is a per-CPU software clock event driving a sampling program
type perfEvent struct {
	fd    int
	ioctl bool
	link  *link.RawLink
}

func newPerfEvent(cpu int, freq uint64) (*perfEvent, error) {
	attr := unix.PerfEventAttr{
		Type:   unix.PERF_TYPE_SOFTWARE,
		Config: unix.PERF_COUNT_SW_CPU_CLOCK,
		Bits:   unix.PerfBitFreq,
		Sample: freq,
	}
	fd, err := unix.PerfEventOpen(&attr, -1, cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("failed to open perf event on cpu %d: %w", cpu, err)
	}
	return &perfEvent{fd: fd}, nil
}

// attach binds prog through a bpf link, falling back to ioctl on kernels
// without perf_event links
func (pe *perfEvent) attach(prog *ebpf.Program) error {
	l, err := link.AttachRawLink(link.RawLinkOptions{
		Target:  pe.fd,
		Program: prog,
		Attach:  ebpf.AttachPerfEvent,
	})
	if err == nil {
		pe.link = l
		return nil
	}

	if err := unix.IoctlSetInt(pe.fd, unix.PERF_EVENT_IOC_SET_BPF, prog.FD()); err != nil {
		return fmt.Errorf("failed to set perf event program: %w", err)
	}
	if err := unix.IoctlSetInt(pe.fd, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
		return fmt.Errorf("failed to enable perf event: %w", err)
	}
	pe.ioctl = true
	return nil
}

func (pe *perfEvent) Close() error {
	if pe.ioctl {
		_ = unix.IoctlSetInt(pe.fd, unix.PERF_EVENT_IOC_DISABLE, 0)
	}
	if pe.link != nil {
		_ = pe.link.Close()
	}
	return unix.Close(pe.fd)
}
