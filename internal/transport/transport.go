// Package transport provides the local channels log lines arrive on: a named
// pipe, a unix domain socket, or a loopback TCP port. All three frame input
// the same way, one record per line.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrUnsupported is returned when a mode is not available on this platform.
var ErrUnsupported = errors.New("transport: mode not supported on this platform")

// MaxLineBytes bounds the text kept from a single line. The rest of a longer
// line is read and discarded, and the connection carries on.
const MaxLineBytes = 1 << 20

// Mode selects the listener variant.
type Mode string

const (
	ModePipe Mode = "pipe"
	ModeUnix Mode = "unix"
	ModeTCP  Mode = "tcp"
)

// Defaults for the listener endpoints.
const (
	DefaultPipePath   = "/tmp/tripwired.pipe"
	DefaultSocketPath = "/tmp/tripwired.sock"
	DefaultPort       = 9999
)

// ParseMode resolves a configured mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModePipe, ModeUnix, ModeTCP:
		return m, nil
	case "":
		return DefaultMode, nil
	default:
		return "", fmt.Errorf("unknown transport %q: want pipe, unix or tcp", s)
	}
}

// Config selects and parameterizes a listener.
type Config struct {
	Mode       Mode
	PipePath   string
	SocketPath string
	Port       int
}

// Conn is one client stream.
type Conn interface {
	io.ReadCloser
	// Peer describes the remote end for logs.
	Peer() string
}

// Listener yields client streams.
type Listener interface {
	// Accept blocks until a client connects, ctx is done, or the listener is
	// closed.
	Accept(ctx context.Context) (Conn, error)
	Addr() string
	Close() error
	// Concurrent reports whether clients may be served in parallel. A named
	// pipe has a single reader, so it serves one client at a time.
	Concurrent() bool
	Mode() Mode
}

// New opens the listener described by cfg.
func New(cfg Config) (Listener, error) {
	mode := cfg.Mode
	if mode == "" {
		mode = DefaultMode
	}

	switch mode {
	case ModeTCP:
		port := cfg.Port
		if port < 0 {
			port = DefaultPort
		}
		return ListenTCP(port)
	case ModeUnix:
		path := cfg.SocketPath
		if path == "" {
			path = DefaultSocketPath
		}
		return ListenUnix(path)
	case ModePipe:
		path := cfg.PipePath
		if path == "" {
			path = DefaultPipePath
		}
		return ListenPipe(path)
	default:
		return nil, fmt.Errorf("unknown transport %q", mode)
	}
}
