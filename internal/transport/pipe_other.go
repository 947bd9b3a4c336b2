//go:build !unix

package transport

import "fmt"

// DefaultMode is the listener used when none is configured.
const DefaultMode = ModeTCP

// ListenPipe is unavailable without POSIX FIFOs.
func ListenPipe(path string) (Listener, error) {
	return nil, fmt.Errorf("listen pipe %s: %w", path, ErrUnsupported)
}
