package common

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
)

func IsConnectionClosedErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	errMsg := err.Error()
	if strings.Contains(errMsg, "use of closed network connection") ||
		strings.Contains(errMsg, "broken pipe") ||
		strings.Contains(errMsg, "connection reset by peer") ||
		strings.Contains(errMsg, "forcibly closed by the remote host") {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr *os.SyscallError
		if errors.As(opErr.Err, &sysErr) && errors.Is(sysErr.Err, syscall.ENOTCONN) {
			return true
		}
	}
	return false
}

func IsTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsConnectTimeout reports a timeout while a TCP connection was still being
// established, as opposed to one while waiting for a response.
func IsConnectTimeout(err error) bool {
	var opErr *net.OpError
	if !errors.As(err, &opErr) {
		return false
	}
	return opErr.Op == "dial" && IsTimeoutError(opErr)
}

// IsProxyError reports whether err was raised while connecting to, or
// negotiating with, a proxy. net/http tags those as "proxyconnect";
// golang.org/x/net/proxy tags SOCKS failures with a "socks" op.
func IsProxyError(err error) bool {
	var opErr *net.OpError
	for e := err; errors.As(e, &opErr); e = opErr.Err {
		if opErr.Op == "proxyconnect" || strings.HasPrefix(opErr.Op, "socks") {
			return true
		}
		if opErr.Err == nil {
			break
		}
	}
	return false
}
