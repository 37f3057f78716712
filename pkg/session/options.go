package session

import (
	"net/http"
	"time"

	"github.com/yolkispalkis/pacsession/pkg/kerb"
	"github.com/yolkispalkis/pacsession/pkg/pac"
	"github.com/yolkispalkis/pacsession/pkg/proxy"
)

const DefaultConnectTimeout = 10 * time.Second

// Option configures a Session.
type Option func(*Session)

// WithPAC uses source, typically a *pac.File, instead of discovering one.
func WithPAC(source proxy.DecisionSource) Option {
	return func(s *Session) {
		s.source = source
	}
}

// WithCredentials authenticates to every proxy the PAC returns.
func WithCredentials(auth *proxy.Credentials) Option {
	return func(s *Session) {
		s.auth = auth
	}
}

// WithSocksScheme sets the scheme used for the bare SOCKS keyword.
func WithSocksScheme(scheme string) Option {
	return func(s *Session) {
		s.socksScheme = scheme
	}
}

// WithPACEnabled turns PAC handling, discovery included, on or off.
func WithPACEnabled(enabled bool) Option {
	return func(s *Session) {
		s.pacEnabled = enabled
	}
}

// WithResponseFilter replaces DefaultResponseFilter.
func WithResponseFilter(f ResponseFilter) Option {
	return func(s *Session) {
		if f != nil {
			s.responseFilter = f
		}
	}
}

// WithErrorFilter replaces DefaultErrorFilter.
func WithErrorFilter(f ErrorFilter) Option {
	return func(s *Session) {
		if f != nil {
			s.errorFilter = f
		}
	}
}

// WithDiscovery sets the options used when the session looks for a PAC file
// on first use. The default is pac.DefaultOptions().
func WithDiscovery(opts pac.Options) Option {
	return func(s *Session) {
		s.discovery = opts
	}
}

// WithKerberos adds Negotiate proxy authentication from the client's ticket.
func WithKerberos(k *kerb.KerberosClient) Option {
	return func(s *Session) {
		s.kerberos = k
	}
}

// WithConnectTimeout bounds establishing a TCP connection to a proxy or, for
// DIRECT, to the target.
func WithConnectTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.connectTimeout = d
		}
	}
}

// WithBaseTransport sets the transport every per-proxy transport is cloned
// from. Its Proxy and DialContext are replaced.
func WithBaseTransport(t *http.Transport) Option {
	return func(s *Session) {
		if t != nil {
			s.base = t
		}
	}
}
