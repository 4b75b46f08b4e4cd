package types

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// StackKeySize is the size of the kernel psid key in bytes
const StackKeySize = 12

// StackKey identifies a unique call stack in a process context.
// It mirrors the psid key written by the kernel programs:
//
//	struct psid { u32 pid; s32 ksid; s32 usid; };
//
// A negative stack id means the stack was not sampled.
type StackKey struct {
	Pid  uint32
	Ksid int32
	Usid int32
}

// Compare orders keys by pid, then user stack id, then kernel stack id
func (k StackKey) Compare(o StackKey) int {
	switch {
	case k.Pid != o.Pid:
		if k.Pid < o.Pid {
			return -1
		}
		return 1
	case k.Usid != o.Usid:
		if k.Usid < o.Usid {
			return -1
		}
		return 1
	case k.Ksid != o.Ksid:
		if k.Ksid < o.Ksid {
			return -1
		}
		return 1
	}
	return 0
}

// MarshalBinary encodes the key in the kernel layout
func (k StackKey) MarshalBinary() ([]byte, error) {
	buf := make([]byte, StackKeySize)
	binary.LittleEndian.PutUint32(buf[0:4], k.Pid)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(k.Ksid))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(k.Usid))
	return buf, nil
}

// UnmarshalBinary decodes a key in the kernel layout
func (k *StackKey) UnmarshalBinary(data []byte) error {
	if len(data) < StackKeySize {
		return fmt.Errorf("stack key too short: %d bytes", len(data))
	}
	k.Pid = binary.LittleEndian.Uint32(data[0:4])
	k.Ksid = int32(binary.LittleEndian.Uint32(data[4:8]))
	k.Usid = int32(binary.LittleEndian.Uint32(data[8:12]))
	return nil
}

// Sample is one raw entry read from a probe backend
type Sample struct {
	Key StackKey
	// Value is the metric payload: weight, elapsed time, size or pages
	Value uint64
	// Count is the number of events folded into Value; zero means one
	Count uint64
}

// CountItem is an aggregated metric for one stack key
type CountItem struct {
	Key   StackKey
	Value float64
}

// Scale describes how a collector's values are displayed
type Scale struct {
	Type   string
	Unit   string
	Period int64
}

// TaskInfo holds per-pid metadata recorded by the kernel programs
type TaskInfo struct {
	Pid         uint32 // pid in the task's own namespace
	Tgid        uint32
	Comm        string
	ContainerID string
}

// CommLen is the size of the kernel comm buffer
const CommLen = 16

// containerIDLen is the size of the kernel container id buffer
const containerIDLen = 128

// TaskInfoSize is the size of the kernel task_info value in bytes
const TaskInfoSize = 8 + CommLen + containerIDLen

// UnmarshalBinary decodes a task_info value:
//
//	struct task_info { u32 pid; u32 tgid; char comm[16]; char cid[128]; };
func (t *TaskInfo) UnmarshalBinary(data []byte) error {
	if len(data) < 8+CommLen {
		return fmt.Errorf("task info too short: %d bytes", len(data))
	}
	t.Pid = binary.LittleEndian.Uint32(data[0:4])
	t.Tgid = binary.LittleEndian.Uint32(data[4:8])
	t.Comm = cString(data[8 : 8+CommLen])
	if len(data) >= TaskInfoSize {
		t.ContainerID = cString(data[8+CommLen : TaskInfoSize])
	}
	return nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
