package proxy

import (
	"strings"
)

const (
	keywordDirect = "DIRECT"
	keywordProxy  = "PROXY"
	keywordSocks  = "SOCKS"
	pacDelimiter  = ";"

	// DefaultSocksScheme is assumed for the bare SOCKS keyword.
	DefaultSocksScheme = string(SchemeSOCKS5)
)

// ParseDirectives parses the semicolon-separated return value of
// FindProxyForURL into directives, in PAC order.
//
// Tokens that cannot be parsed are skipped and reported as *ParseWarning
// values; they never abort parsing. An empty result is distinct from an
// explicit DIRECT: it means the PAC offered nothing usable.
//
// socksScheme is the scheme used for the bare SOCKS keyword; "" means socks5.
func ParseDirectives(raw, socksScheme string) ([]Directive, []error) {
	if socksScheme == "" {
		socksScheme = DefaultSocksScheme
	}

	var (
		directives []Directive
		warnings   []error
	)
	for _, token := range strings.Split(raw, pacDelimiter) {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		d, err := parseDirective(token, socksScheme)
		if err != nil {
			warnings = append(warnings, err)
			continue
		}
		directives = append(directives, d)
	}
	return directives, warnings
}

func parseDirective(token, socksScheme string) (Directive, error) {
	if strings.EqualFold(token, keywordDirect) {
		return Direct, nil
	}

	fields := strings.Fields(token)
	if len(fields) != 2 {
		return Directive{}, &ParseWarning{Token: token, Reason: "expected <keyword> <host:port>"}
	}

	keyword, endpoint := strings.ToUpper(fields[0]), fields[1]
	var scheme Scheme
	switch keyword {
	case keywordProxy:
		scheme = SchemeHTTP
	case keywordSocks:
		s, ok := ParseScheme(socksScheme)
		if !ok {
			return Directive{}, &ParseWarning{Token: token, Reason: "unrecognized SOCKS scheme " + socksScheme}
		}
		scheme = s
	default:
		s, ok := ParseScheme(keyword)
		if !ok {
			return Directive{}, &ParseWarning{Token: token, Reason: "unrecognized keyword " + fields[0]}
		}
		scheme = s
	}
	return NewProxy(scheme, endpoint), nil
}

// InjectCredentials returns a copy of d carrying auth. DIRECT is returned
// unchanged, as is any directive when auth is nil. Existing credentials are
// overwritten.
func InjectCredentials(d Directive, auth *Credentials) Directive {
	if d.IsDirect() || auth == nil {
		return d
	}
	c := *auth
	d.Credentials = &c
	return d
}
