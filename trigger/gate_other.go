//go:build !linux

package trigger

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

var errUnsupported = errors.New("pressure stall triggers require linux")

type Gate struct{}

func Open(path, event string, log *zap.Logger) (*Gate, error) {
	return nil, &IOError{Op: "open", Path: path, Err: errUnsupported}
}

func (g *Gate) Wait(ctx context.Context) error { return errUnsupported }

func (g *Gate) Close() error { return nil }
