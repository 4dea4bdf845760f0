package collaboration

import (
	"io"
	"log/slog"
	"testing"
)

const testRoom = "mind-map:m1:sync"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	if opts.ActorID == "" {
		opts.ActorID = "u-local"
	}
	reg := NewRegistry(opts)
	t.Cleanup(reg.Shutdown)
	return reg
}
