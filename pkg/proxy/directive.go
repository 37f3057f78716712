package proxy

import (
	"net"
	"net/url"
	"strings"
)

// Scheme is the transport used to reach a proxy server.
type Scheme string

const (
	SchemeHTTP   Scheme = "http"
	SchemeHTTPS  Scheme = "https"
	SchemeSOCKS4 Scheme = "socks4"
	SchemeSOCKS5 Scheme = "socks5"
)

// directDirective is the canonical form of a DIRECT directive.
const directDirective = "DIRECT"

// ParseScheme maps a scheme name to a recognized Scheme, case-insensitively.
func ParseScheme(s string) (Scheme, bool) {
	switch Scheme(strings.ToLower(s)) {
	case SchemeHTTP:
		return SchemeHTTP, true
	case SchemeHTTPS:
		return SchemeHTTPS, true
	case SchemeSOCKS4:
		return SchemeSOCKS4, true
	case SchemeSOCKS5:
		return SchemeSOCKS5, true
	}
	return "", false
}

// Credentials are the username and password presented to a proxy.
type Credentials struct {
	Username string
	Password string
}

// Directive is a single proxy choice parsed from a PAC return value.
// The zero value is DIRECT.
type Directive struct {
	Scheme      Scheme       // empty for DIRECT
	Endpoint    string       // host:port as written in the PAC output, unvalidated
	Credentials *Credentials // nil unless injected by the Resolver
}

// Direct is the directive meaning "connect without a proxy".
var Direct = Directive{}

// NewProxy builds a proxy directive. The endpoint is not validated.
func NewProxy(scheme Scheme, endpoint string) Directive {
	return Directive{Scheme: scheme, Endpoint: endpoint}
}

// IsDirect reports whether d is the DIRECT directive.
func (d Directive) IsDirect() bool {
	return d.Scheme == ""
}

// Hostname returns the host part of the endpoint, or the whole endpoint if it
// has no port.
func (d Directive) Hostname() string {
	host, _, err := net.SplitHostPort(d.Endpoint)
	if err != nil {
		return d.Endpoint
	}
	return host
}

// Port returns the port part of the endpoint, or "" if there is none.
func (d Directive) Port() string {
	_, port, err := net.SplitHostPort(d.Endpoint)
	if err != nil {
		return ""
	}
	return port
}

// String returns the canonical form used for equality, caching and banning:
// "DIRECT" or "<scheme>://[<user>:<pass>@]<host>:<port>".
func (d Directive) String() string {
	if d.IsDirect() {
		return directDirective
	}
	var b strings.Builder
	b.WriteString(string(d.Scheme))
	b.WriteString("://")
	if d.Credentials != nil {
		b.WriteString(escapeUserinfo(d.Credentials.Username))
		b.WriteByte(':')
		b.WriteString(escapeUserinfo(d.Credentials.Password))
		b.WriteByte('@')
	}
	b.WriteString(d.Endpoint)
	return b.String()
}

// URL returns the proxy URL for d, or nil for DIRECT. A malformed endpoint
// yields an error here rather than at parse time.
func (d Directive) URL() (*url.URL, error) {
	if d.IsDirect() {
		return nil, nil
	}
	return url.Parse(d.String())
}

// escapeUserinfo percent-encodes everything outside the RFC 3986 unreserved
// set. QueryEscape already does that except for spaces, which it turns into '+'.
func escapeUserinfo(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// Redacted is String with the password masked, for logging.
func (d Directive) Redacted() string {
	return redact(d.String())
}

func redact(canonical string) string {
	u, err := url.Parse(canonical)
	if err != nil || u.User == nil {
		return canonical
	}
	return u.Redacted()
}
