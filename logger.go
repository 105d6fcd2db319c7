package tarpc

import (
	"io"
	"log/slog"
)

// NopLogger returns a logger that discards all output. Components accept
// a nil logger and substitute this themselves, so passing it explicitly is
// only needed when sharing one silent logger across components.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
