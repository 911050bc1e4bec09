// ABOUTME: Classification of connection teardown errors for log severity
// ABOUTME: Normal peer disconnects are debug noise, everything else is a warning

package framed

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// IsExpectedClose reports whether err is a normal connection termination:
// EOF, a closed connection, broken pipe, or connection reset.
func IsExpectedClose(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
