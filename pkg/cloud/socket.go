package cloud

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"
)

// PollDeadline bounds how long a single Input poll waits on the socket.
// Long enough for the kernel to surface bytes that are already pending,
// short enough that an idle poll returns promptly.
const PollDeadline = time.Millisecond

// SocketDescriptor extracts the platform socket descriptor from a
// connection so the embedding application can register it with its own
// readiness-polling mechanism. The connection must expose a raw syscall
// connection (net.TCPConn and net.UDPConn do).
func SocketDescriptor(conn net.Conn) (int, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1, fmt.Errorf("connection type %T exposes no descriptor", conn)
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, fmt.Errorf("raw connection: %w", err)
	}

	fd := -1
	if err := raw.Control(func(f uintptr) { fd = int(f) }); err != nil {
		return -1, fmt.Errorf("descriptor control: %w", err)
	}
	return fd, nil
}

// IsPollTimeout reports whether err is the deadline expiry produced by a
// non-blocking Input poll with nothing pending.
func IsPollTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
