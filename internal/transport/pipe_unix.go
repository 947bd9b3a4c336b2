//go:build unix

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultMode is the listener used when none is configured.
const DefaultMode = ModePipe

// pipeListener serves a named pipe. A FIFO has one read end, so only one
// writer session is served at a time; after it closes the pipe is opened
// again for the next one.
type pipeListener struct {
	path    string
	created bool

	mu       sync.Mutex
	closed   bool
	closing  chan struct{}
	inflight sync.WaitGroup
}

type pipeConn struct {
	*os.File
}

func (c pipeConn) Peer() string { return "pipe" }

// ListenPipe creates the FIFO at path if needed.
func ListenPipe(path string) (Listener, error) {
	created := false
	info, err := os.Stat(path)
	switch {
	case err == nil:
		if info.Mode()&os.ModeNamedPipe == 0 {
			return nil, fmt.Errorf("listen pipe %s: path exists and is not a FIFO", path)
		}
	case errors.Is(err, os.ErrNotExist):
		if err := unix.Mkfifo(path, 0600); err != nil {
			return nil, fmt.Errorf("mkfifo %s: %w", path, err)
		}
		created = true
	default:
		return nil, fmt.Errorf("stat pipe %s: %w", path, err)
	}

	return &pipeListener{path: path, created: created, closing: make(chan struct{})}, nil
}

type openResult struct {
	f   *os.File
	err error
}

// Accept blocks in open(2) until a writer attaches.
func (p *pipeListener) Accept(ctx context.Context) (Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, net.ErrClosed
	}
	p.inflight.Add(1)
	p.mu.Unlock()
	defer p.inflight.Done()

	ch := make(chan openResult, 1)
	go func() {
		f, err := os.OpenFile(p.path, os.O_RDONLY, 0)
		ch <- openResult{f, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("open pipe %s: %w", p.path, r.err)
		}
		return pipeConn{r.f}, nil
	case <-ctx.Done():
		p.abandon(ch)
		return nil, ctx.Err()
	case <-p.closing:
		p.abandon(ch)
		return nil, net.ErrClosed
	}
}

// abandon releases a reader blocked in open(2) by briefly attaching a
// writer, then discards the stream.
func (p *pipeListener) abandon(ch <-chan openResult) {
	for {
		if w, err := os.OpenFile(p.path, os.O_WRONLY|unix.O_NONBLOCK, 0); err == nil {
			_ = w.Close()
		}
		select {
		case r := <-ch:
			if r.f != nil {
				_ = r.f.Close()
			}
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (p *pipeListener) Addr() string { return p.path }

// Close unblocks a pending Accept and removes the FIFO if ListenPipe made it.
func (p *pipeListener) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.closing)
	p.mu.Unlock()

	// The FIFO must stay reachable until a blocked open has been released.
	p.inflight.Wait()

	if p.created {
		if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove pipe: %w", err)
		}
	}
	return nil
}

func (p *pipeListener) Concurrent() bool { return false }

func (p *pipeListener) Mode() Mode { return ModePipe }
