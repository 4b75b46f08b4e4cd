package bpf

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var finishTaskSwitch = regexp.MustCompile(`^finish_task_switch(\.[\w.]+)?$`)

// findKernelSymbol returns the first text symbol in a kallsyms listing
// whose name matches re
func findKernelSymbol(r io.Reader, re *regexp.Regexp) (string, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		if t := fields[1]; t != "t" && t != "T" {
			continue
		}
		if re.MatchString(fields[2]) {
			return fields[2], nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("failed to read kernel symbols: %w", err)
	}
	return "", fmt.Errorf("no kernel symbol matching %s", re)
}

func switchSymbol() (string, error) {
	f, err := os.Open("/proc/kallsyms")
	if err != nil {
		return "", fmt.Errorf("failed to open kallsyms: %w", err)
	}
	defer f.Close()
	return findKernelSymbol(f, finishTaskSwitch)
}

// parseCPUList parses the kernel cpu list format, e.g. "0-3,5,7-8"
func parseCPUList(s string) ([]int, error) {
	var cpus []int
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, part := range strings.Split(s, ",") {
		lo, hi, isRange := strings.Cut(part, "-")
		start, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("invalid cpu list %q: %w", s, err)
		}
		end := start
		if isRange {
			if end, err = strconv.Atoi(hi); err != nil {
				return nil, fmt.Errorf("invalid cpu list %q: %w", s, err)
			}
		}
		if end < start {
			return nil, fmt.Errorf("invalid cpu range %q", part)
		}
		for cpu := start; cpu <= end; cpu++ {
			cpus = append(cpus, cpu)
		}
	}
	return cpus, nil
}

func onlineCPUs() ([]int, error) {
	data, err := os.ReadFile("/sys/devices/system/cpu/online")
	if err != nil {
		return nil, fmt.Errorf("failed to read online cpus: %w", err)
	}
	return parseCPUList(string(data))
}

var libraryDirs = []string{
	"/lib64",
	"/usr/lib64",
	"/lib/x86_64-linux-gnu",
	"/usr/lib/x86_64-linux-gnu",
	"/lib/aarch64-linux-gnu",
	"/usr/lib/aarch64-linux-gnu",
	"/lib",
	"/usr/lib",
}

// resolveLibrary turns a short library name such as "c" or "pthread" into a
// path. Paths are returned unchanged. The target's own mappings are
// preferred when a pid is given.
func resolveLibrary(name string, pid int32) (string, error) {
	if strings.Contains(name, "/") {
		return name, nil
	}
	base := name
	if !strings.HasPrefix(base, "lib") {
		base = "lib" + base
	}

	if pid > 0 {
		if f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid)); err == nil {
			path := findMapping(f, base)
			f.Close()
			if path != "" {
				return path, nil
			}
		}
	}

	for _, dir := range libraryDirs {
		matches, _ := filepath.Glob(filepath.Join(dir, base+".so*"))
		if len(matches) > 0 {
			return matches[0], nil
		}
	}
	return "", fmt.Errorf("library %s not found", name)
}

// findMapping returns the first mapped file whose name starts with base.so
func findMapping(r io.Reader, base string) string {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 6 {
			continue
		}
		path := fields[5]
		file := filepath.Base(path)
		if strings.HasPrefix(file, base+".so") || strings.HasPrefix(file, base+"-") {
			return path
		}
	}
	return ""
}

// section is a parsed ELF program section name
type section struct {
	kind  string // kprobe, kretprobe, tracepoint, fentry, fexit, raw_tracepoint
	group string
	name  string
}

// parseSection understands the section names libbpf auto-attaches
func parseSection(s string) (section, bool) {
	prefix, rest, ok := strings.Cut(s, "/")
	if !ok || rest == "" {
		return section{}, false
	}
	switch prefix {
	case "kprobe", "kretprobe", "fentry", "fexit":
		return section{kind: prefix, name: rest}, true
	case "raw_tracepoint", "raw_tp":
		return section{kind: "raw_tracepoint", name: rest}, true
	case "tracepoint", "tp":
		group, name, ok := strings.Cut(rest, "/")
		if !ok || group == "" || name == "" {
			return section{}, false
		}
		return section{kind: "tracepoint", group: group, name: name}, true
	}
	return section{}, false
}
