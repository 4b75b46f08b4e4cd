package process

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"golang.org/x/sys/unix"
)

// ProcRoot is the procfs mount point
var ProcRoot = "/proc"

// Exists reports whether pid names a live process. EPERM still means the
// process exists.
func Exists(pid int32) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(int(pid), 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Info is the /proc metadata shown next to sampled pids
type Info struct {
	Pid         int32
	Comm        string
	ExePath     string
	CmdLine     string
	ContainerID string
}

var containerIDRegex = regexp.MustCompile(`^[a-f0-9]{12,64}$`)

func procPath(pid int32, name string) string {
	return fmt.Sprintf("%s/%d/%s", ProcRoot, pid, name)
}

// Comm returns the command name of pid
func Comm(pid int32) (string, error) {
	data, err := os.ReadFile(procPath(pid, "comm"))
	if err != nil {
		return "", err
	}
	return string(bytes.TrimSpace(data)), nil
}

// Lookup gathers what /proc knows about pid. Only a missing process is an
// error; unreadable fields are left empty.
func Lookup(pid int32) (Info, error) {
	info := Info{Pid: pid}
	if _, err := os.Stat(fmt.Sprintf("%s/%d", ProcRoot, pid)); err != nil {
		return info, err
	}

	info.Comm, _ = Comm(pid)
	if exe, err := os.Readlink(procPath(pid, "exe")); err == nil {
		info.ExePath = exe
	}
	if data, err := os.ReadFile(procPath(pid, "cmdline")); err == nil {
		info.CmdLine = parseCmdline(data)
	}
	if data, err := os.ReadFile(procPath(pid, "cgroup")); err == nil {
		info.ContainerID = parseContainerID(string(data))
	}
	return info, nil
}

// parseCmdline joins the NUL separated arguments
func parseCmdline(data []byte) string {
	var args []string
	for _, arg := range bytes.Split(data, []byte{0}) {
		if len(arg) > 0 {
			args = append(args, string(arg))
		}
	}
	return strings.Join(args, " ")
}

// parseContainerID finds a docker or containerd id in a cgroup listing
func parseContainerID(cgroup string) string {
	for _, line := range strings.Split(cgroup, "\n") {
		if !strings.Contains(line, "docker") && !strings.Contains(line, "containerd") {
			continue
		}
		parts := strings.Split(line, "/")
		for i := len(parts) - 1; i >= 0; i-- {
			part := strings.TrimSuffix(strings.TrimPrefix(parts[i], "docker-"), ".scope")
			if containerIDRegex.MatchString(part) {
				return part
			}
		}
	}
	return ""
}
