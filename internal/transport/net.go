package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

type deadlineListener interface {
	net.Listener
	SetDeadline(t time.Time) error
}

// netListener serves unix sockets and loopback TCP. Every accepted client
// gets its own stream, so clients may be served concurrently.
type netListener struct {
	ln   deadlineListener
	mode Mode
}

type netConn struct {
	net.Conn
}

func (c netConn) Peer() string {
	if addr := c.RemoteAddr(); addr != nil && addr.String() != "" {
		return addr.String()
	}
	return "local"
}

// ListenTCP binds 127.0.0.1:port. Port 0 picks a free port.
func ListenTCP(port int) (Listener, error) {
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		return nil, fmt.Errorf("listen tcp 127.0.0.1:%d: %w", port, err)
	}
	return &netListener{ln: ln, mode: ModeTCP}, nil
}

// ListenUnix binds a domain socket at path, replacing a stale socket left by
// a previous run.
func ListenUnix(path string) (Listener, error) {
	if info, err := os.Lstat(path); err == nil {
		if info.Mode()&os.ModeSocket == 0 {
			return nil, fmt.Errorf("listen unix %s: path exists and is not a socket", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("listen unix %s: %w", path, err)
	}
	ln.SetUnlinkOnClose(true)

	if err := os.Chmod(path, 0600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return &netListener{ln: ln, mode: ModeUnix}, nil
}

func (l *netListener) Accept(ctx context.Context) (Conn, error) {
	// Clear a deadline left by an earlier cancelled Accept.
	_ = l.ln.SetDeadline(time.Time{})

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = l.ln.SetDeadline(time.Now())
		case <-done:
		}
	}()

	conn, err := l.ln.Accept()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, net.ErrClosed
		}
		return nil, fmt.Errorf("accept %s: %w", l.mode, err)
	}
	return netConn{conn}, nil
}

func (l *netListener) Addr() string {
	return l.ln.Addr().String()
}

func (l *netListener) Close() error {
	return l.ln.Close()
}

func (l *netListener) Concurrent() bool { return true }

func (l *netListener) Mode() Mode { return l.mode }
