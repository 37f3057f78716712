package proxy

import (
	"fmt"
	"net/http"
	"net/url"
)

// ClientProxyMap is the per-scheme proxy configuration handed to an HTTP
// client. A nil entry is an explicit "no proxy": clients must not fall back
// to HTTP_PROXY/HTTPS_PROXY when they see it.
type ClientProxyMap struct {
	HTTP  *url.URL
	HTTPS *url.URL
}

// IsDirect reports whether the map sends all traffic without a proxy.
func (m ClientProxyMap) IsDirect() bool {
	return m.HTTP == nil && m.HTTPS == nil
}

// ProxyFunc adapts m to http.Transport.Proxy. Requests for schemes other than
// http and https go direct.
func (m ClientProxyMap) ProxyFunc() func(*http.Request) (*url.URL, error) {
	return func(req *http.Request) (*url.URL, error) {
		switch req.URL.Scheme {
		case "http":
			return m.HTTP, nil
		case "https":
			return m.HTTPS, nil
		}
		return nil, nil
	}
}

// ClientProxyMap converts d into the client shape. PAC does not distinguish
// proxies by the client's own scheme, so one URL fills both slots.
func (d Directive) ClientProxyMap() (ClientProxyMap, error) {
	if d.IsDirect() {
		return ClientProxyMap{}, nil
	}
	u, err := d.URL()
	if err != nil {
		return ClientProxyMap{}, fmt.Errorf("invalid proxy directive %q: %w", d.String(), err)
	}
	return ClientProxyMap{HTTP: u, HTTPS: u}, nil
}

// DirectiveFromURL converts an explicit proxy URL into a directive, carrying
// any userinfo over as credentials. A nil URL is DIRECT.
func DirectiveFromURL(u *url.URL) (Directive, error) {
	if u == nil {
		return Direct, nil
	}
	scheme, ok := ParseScheme(u.Scheme)
	if !ok {
		return Directive{}, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return Directive{}, fmt.Errorf("proxy URL %q has no host", u.Redacted())
	}
	d := NewProxy(scheme, u.Host)
	if u.User != nil {
		password, _ := u.User.Password()
		d.Credentials = &Credentials{Username: u.User.Username(), Password: password}
	}
	return d, nil
}
