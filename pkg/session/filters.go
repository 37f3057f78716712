package session

import (
	"errors"
	"fmt"
	"net/http"
	"slices"

	"github.com/yolkispalkis/pacsession/pkg/common"
)

// ResponseFilter reports whether a response received through a proxy means
// that proxy should no longer be used.
type ResponseFilter func(resp *http.Response) bool

// ErrorFilter reports whether a transport error means the proxy used for the
// request should no longer be used.
type ErrorFilter func(err error) bool

// UnsupportedSchemeError is returned for a proxy directive this client cannot
// dial.
type UnsupportedSchemeError struct {
	Proxy string
}

func (e *UnsupportedSchemeError) Error() string {
	return fmt.Sprintf("proxy %s uses an unsupported scheme", e.Proxy)
}

// ProxyStatusError is returned when a proxy refuses a CONNECT tunnel.
type ProxyStatusError struct {
	Proxy      string
	StatusCode int
	Status     string
}

func (e *ProxyStatusError) Error() string {
	return fmt.Sprintf("proxy %s refused CONNECT: %s", e.Proxy, e.Status)
}

// DefaultResponseFilter never treats a response as a proxy failure.
func DefaultResponseFilter(*http.Response) bool {
	return false
}

// DefaultErrorFilter matches failures to reach or negotiate with the proxy,
// connect timeouts, refused CONNECT tunnels and proxies of a scheme that
// cannot be dialed.
func DefaultErrorFilter(err error) bool {
	if err == nil {
		return false
	}
	var unsupported *UnsupportedSchemeError
	var status *ProxyStatusError
	return common.IsProxyError(err) ||
		common.IsConnectTimeout(err) ||
		errors.As(err, &unsupported) ||
		errors.As(err, &status)
}

// StatusResponseFilter treats responses with any of the given status codes
// as proxy failures, e.g. http.StatusProxyAuthRequired or
// http.StatusBadGateway.
func StatusResponseFilter(codes ...int) ResponseFilter {
	codes = slices.Clone(codes)
	return func(resp *http.Response) bool {
		return resp != nil && slices.Contains(codes, resp.StatusCode)
	}
}
