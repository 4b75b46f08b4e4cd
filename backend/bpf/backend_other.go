//go:build !linux

package bpf

import (
	"go.uber.org/zap"

	"github.com/jnesss/stack-analyzer/backend"
)

// New always fails: BPF programs only run on Linux
func New(dir, kind string, log *zap.Logger) (backend.Backend, error) {
	return nil, backend.ErrUnsupported
}
