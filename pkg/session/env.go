package session

import (
	"context"
	"net/url"
	"os"

	"github.com/yolkispalkis/pacsession/pkg/proxy"
)

type overrideKey struct{}

type override struct {
	url *url.URL
}

// WithProxyOverride returns a context that makes Session.Do send the request
// through proxyURL without consulting the PAC and without failover. A nil
// proxyURL forces a direct connection.
func WithProxyOverride(ctx context.Context, proxyURL *url.URL) context.Context {
	return context.WithValue(ctx, overrideKey{}, override{url: proxyURL})
}

func overrideDirective(ctx context.Context) (proxy.Directive, bool, error) {
	o, ok := ctx.Value(overrideKey{}).(override)
	if !ok {
		return proxy.Directive{}, false, nil
	}
	d, err := proxy.DirectiveFromURL(o.url)
	return d, true, err
}

// proxyEnvKeys are the variables ProxyEnvForURL manages. Both spellings are
// set because Go and curl fall back to the lowercase form when the uppercase
// one is empty.
var proxyEnvKeys = [...]struct{ key, scheme string }{
	{"HTTP_PROXY", "http"},
	{"http_proxy", "http"},
	{"HTTPS_PROXY", "https"},
	{"https_proxy", "https"},
}

type envValue struct {
	value string
	set   bool
}

// ProxyEnvForURL points HTTP_PROXY and HTTPS_PROXY, and their lowercase
// forms, at the proxy r chooses for rawURL, for code that only honours those
// variables. DIRECT sets all four to the empty string. The returned func
// restores the previous values, unsetting those that were unset; it is a
// no-op when err is not nil.
//
// http.ProxyFromEnvironment reads the environment once per process, so the
// variables only affect it if they are set before its first use.
func ProxyEnvForURL(r *proxy.Resolver, rawURL string) (restore func(), err error) {
	m, err := r.ProxyForClient(rawURL)
	if err != nil {
		return func() {}, err
	}

	var prev [len(proxyEnvKeys)]envValue
	for i, e := range proxyEnvKeys {
		prev[i].value, prev[i].set = os.LookupEnv(e.key)
		target := m.HTTP
		if e.scheme == "https" {
			target = m.HTTPS
		}
		os.Setenv(e.key, urlString(target))
	}

	return func() {
		for i, e := range proxyEnvKeys {
			if prev[i].set {
				os.Setenv(e.key, prev[i].value)
			} else {
				os.Unsetenv(e.key)
			}
		}
	}, nil
}

func urlString(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.String()
}
