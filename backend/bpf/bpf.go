// Package bpf implements the probe backend on top of compiled BPF ELF objects
// loaded with cilium/ebpf.
//
// Each collector kind is backed by <objdir>/<kind>.bpf.o, which must expose
// the psid_count_map table and may expose sid_trace_map and pid_info_map.
package bpf

import (
	"encoding/binary"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/jnesss/stack-analyzer/backend"
)

// Kernel object names shared by every program set
const (
	CountMap = "psid_count_map"
	TraceMap = "sid_trace_map"
	InfoMap  = "pid_info_map"
)

// ObjectPath returns the object file backing a collector kind
func ObjectPath(dir, kind string) string {
	return filepath.Join(dir, kind+".bpf.o")
}

// Provider returns a constructor creating one backend per collector kind
func Provider(dir string, log *zap.Logger) func(kind string) (backend.Backend, error) {
	return func(kind string) (backend.Backend, error) {
		return New(dir, kind, log)
	}
}

// decodeValue turns a raw count map value into (value, event count).
//
//	on_cpu, off_cpu, probe  u32 value
//	io, memleak             struct { u64 size; u64 count; }
//	readahead               struct { u32 expect; u32 truth; }
func decodeValue(kind string, raw []byte) (value, count uint64) {
	le := binary.LittleEndian
	switch {
	case kind == "readahead" && len(raw) >= 8:
		expect, truth := le.Uint32(raw[0:4]), le.Uint32(raw[4:8])
		if expect > truth {
			return uint64(expect - truth), 1
		}
		return 0, 1
	case len(raw) >= 16:
		return le.Uint64(raw[0:8]), le.Uint64(raw[8:16])
	case len(raw) >= 8:
		return le.Uint64(raw), 0
	case len(raw) >= 4:
		return uint64(le.Uint32(raw)), 0
	}
	return 0, 0
}

// trimStack drops the zero padding at the end of a stack trace value
func trimStack(ips []uint64) []uint64 {
	n := len(ips)
	for n > 0 && ips[n-1] == 0 {
		n--
	}
	return ips[:n]
}
