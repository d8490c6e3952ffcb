package util

import (
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// IsNetworkClosed checks if the given error tells closing of network connection
func IsNetworkClosed(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return strings.HasSuffix(opErr.Err.Error(), "use of closed network connection") ||
			errors.Is(opErr.Err, syscall.ECONNRESET) || errors.Is(opErr.Err, syscall.EPIPE)
	}
	return false
}

// IsNetworkTimeout checks if the given error is network timeout
func IsNetworkTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// TrySetTCPReadBuffer attempts to set read buffer within the range given
func TrySetTCPReadBuffer(conn *net.TCPConn, max int, min int) (int, error) {
	var err error
	val := max
	for val >= min {
		err = conn.SetReadBuffer(val)
		if err == nil {
			return val, nil
		}
		if !strings.HasSuffix(err.Error(), "setsockopt: no buffer space available") {
			return -1, err
		}
		val /= 2
	}
	if val != min {
		err = conn.SetReadBuffer(min)
		if err == nil {
			return min, nil
		}
	}
	return -1, err
}

// GetTCPBufferSizes reads back the effective OS send and receive buffer sizes of a connection
//
// The kernel may adjust (e.g. double) the requested sizes, so the values may differ from what was set
func GetTCPBufferSizes(conn *net.TCPConn) (int, int, error) {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return -1, -1, err
	}
	sendSize, recvSize := -1, -1
	var sockErr error
	ctrlErr := rawConn.Control(func(fd uintptr) {
		sendSize, sockErr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF)
		if sockErr != nil {
			return
		}
		recvSize, sockErr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF)
	})
	if ctrlErr != nil {
		return -1, -1, ctrlErr
	}
	return sendSize, recvSize, sockErr
}
