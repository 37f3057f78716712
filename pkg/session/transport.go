package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	xproxy "golang.org/x/net/proxy"

	"github.com/yolkispalkis/pacsession/pkg/proxy"
)

// envTransportKey caches the transport used when no PAC is in effect.
const envTransportKey = "\x00env"

// transportFor returns the cached transport for d, building it on first use.
// Transports never read HTTP_PROXY and friends; the directive alone decides.
func (s *Session) transportFor(d proxy.Directive) (*http.Transport, error) {
	key := d.String()

	s.tmu.Lock()
	defer s.tmu.Unlock()
	if t, ok := s.transports[key]; ok {
		return t, nil
	}

	t, err := s.buildTransport(d)
	if err != nil {
		return nil, err
	}
	s.transports[key] = t
	slog.Debug("Created transport", "proxy", d.Redacted())
	return t, nil
}

// envTransport honours the proxy environment variables, for requests made
// without a PAC.
func (s *Session) envTransport() *http.Transport {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	if t, ok := s.transports[envTransportKey]; ok {
		return t
	}
	t := s.cloneBase()
	t.Proxy = http.ProxyFromEnvironment
	s.transports[envTransportKey] = t
	return t
}

func (s *Session) cloneBase() *http.Transport {
	t := s.base.Clone()
	t.Proxy = nil
	t.DialContext = (&net.Dialer{
		Timeout:   s.connectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	return t
}

func (s *Session) buildTransport(d proxy.Directive) (*http.Transport, error) {
	t := s.cloneBase()

	switch d.Scheme {
	case "":
		return t, nil

	case proxy.SchemeHTTP, proxy.SchemeHTTPS:
		u, err := d.URL()
		if err != nil {
			return nil, fmt.Errorf("invalid proxy %s: %w", d.String(), err)
		}
		t.Proxy = http.ProxyURL(u)
		t.OnProxyConnectResponse = func(_ context.Context, proxyURL *url.URL, _ *http.Request, resp *http.Response) error {
			if resp.StatusCode == http.StatusOK {
				return nil
			}
			return &ProxyStatusError{Proxy: proxyURL.Redacted(), StatusCode: resp.StatusCode, Status: resp.Status}
		}
		if s.kerberos != nil {
			t.GetProxyConnectHeader = func(_ context.Context, proxyURL *url.URL, _ string) (http.Header, error) {
				h := make(http.Header)
				if v := s.negotiate(proxyURL.Hostname()); v != "" {
					h.Set("Proxy-Authorization", v)
				}
				return h, nil
			}
		}
		return t, nil

	case proxy.SchemeSOCKS5:
		var auth *xproxy.Auth
		if d.Credentials != nil {
			auth = &xproxy.Auth{User: d.Credentials.Username, Password: d.Credentials.Password}
		}
		forward := &net.Dialer{Timeout: s.connectTimeout, KeepAlive: 30 * time.Second}
		dialer, err := xproxy.SOCKS5("tcp", d.Endpoint, auth, forward)
		if err != nil {
			return nil, fmt.Errorf("invalid SOCKS5 proxy %s: %w", d.String(), err)
		}
		cd, ok := dialer.(xproxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("SOCKS5 dialer for %s does not support contexts", d.String())
		}
		t.DialContext = cd.DialContext
		return t, nil
	}

	return nil, &UnsupportedSchemeError{Proxy: d.String()}
}

// negotiate returns a Negotiate header value for the proxy host, or "" when
// no ticket is available.
func (s *Session) negotiate(proxyHost string) string {
	v, err := s.kerberos.NegotiateHeader("HTTP/" + proxyHost)
	if err != nil {
		slog.Debug("No Kerberos token for proxy", "proxy_host", proxyHost, "error", err)
		return ""
	}
	return v
}

func (s *Session) closeTransports() {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	for key, t := range s.transports {
		t.CloseIdleConnections()
		delete(s.transports, key)
	}
}
