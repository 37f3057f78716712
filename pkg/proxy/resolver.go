package proxy

import (
	"log/slog"
	"net/url"
	"sync"
)

// DecisionSource is anything that can evaluate a PAC decision function.
// Errors are returned to the Resolver's caller unchanged.
type DecisionSource interface {
	FindProxyForURL(url, host string) (string, error)
}

// DecisionFunc adapts a plain function to DecisionSource.
type DecisionFunc func(url, host string) (string, error)

func (f DecisionFunc) FindProxyForURL(url, host string) (string, error) {
	return f(url, host)
}

// Resolver turns PAC output into usable proxy directives for a session and
// remembers which proxies have failed.
//
// Bans are keyed on the canonical directive string (credentials included) and
// apply across all target URLs until UnbanAll or SetCredentials.
// A Resolver is safe for concurrent use.
type Resolver struct {
	source      DecisionSource
	socksScheme string

	mu     sync.Mutex
	auth   *Credentials
	cache  map[string][]Directive // raw PAC value -> parsed, credential-injected list
	banned map[string]struct{}
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithCredentials injects auth into every proxy directive the Resolver returns.
func WithCredentials(auth *Credentials) ResolverOption {
	return func(r *Resolver) {
		r.auth = copyCredentials(auth)
	}
}

// WithSocksScheme sets the scheme assumed for the bare SOCKS keyword.
func WithSocksScheme(scheme string) ResolverOption {
	return func(r *Resolver) {
		r.socksScheme = scheme
	}
}

// NewResolver creates a Resolver backed by source.
func NewResolver(source DecisionSource, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		source:      source,
		socksScheme: DefaultSocksScheme,
		cache:       make(map[string][]Directive),
		banned:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Source returns the DecisionSource the Resolver was built with.
func (r *Resolver) Source() DecisionSource {
	return r.source
}

// Credentials returns a copy of the credentials currently injected, or nil.
func (r *Resolver) Credentials() *Credentials {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyCredentials(r.auth)
}

// SetCredentials replaces the injected credentials. It drops every cached
// directive list and every ban, since both are keyed on canonical strings
// that embed the old credentials.
func (r *Resolver) SetCredentials(auth *Credentials) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.auth = copyCredentials(auth)
	clear(r.cache)
	clear(r.banned)
	slog.Debug("Proxy credentials changed, directive cache and bans cleared")
}

// Directives returns every directive the PAC yields for rawURL, in PAC order.
// The cache is keyed on the raw PAC value, so URLs that produce the same
// output share one parsed list.
func (r *Resolver) Directives(rawURL string) ([]Directive, error) {
	value, err := r.source.FindProxyForURL(rawURL, hostnameOf(rawURL))
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cached, ok := r.cache[value]; ok {
		return cloneDirectives(cached), nil
	}

	// Parsing under the lock keeps a concurrent SetCredentials from leaving
	// an entry built with the previous credentials.
	parsed, warnings := ParseDirectives(value, r.socksScheme)
	for _, w := range warnings {
		slog.Warn("Ignoring invalid PAC directive", "url", rawURL, "pac_value", value, "error", w)
	}
	if r.auth != nil {
		for i := range parsed {
			parsed[i] = InjectCredentials(parsed[i], r.auth)
		}
	}
	r.cache[value] = parsed
	slog.Debug("Parsed PAC value", "url", rawURL, "pac_value", value, "directives", len(parsed))

	return cloneDirectives(parsed), nil
}

// NextUsable returns the first directive for rawURL that is DIRECT or not
// banned. ok is false when nothing usable remains.
func (r *Resolver) NextUsable(rawURL string) (d Directive, ok bool, err error) {
	directives, err := r.Directives(rawURL)
	if err != nil {
		return Directive{}, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range directives {
		if d.IsDirect() {
			return d, true, nil
		}
		if _, banned := r.banned[d.String()]; !banned {
			return d, true, nil
		}
	}
	return Directive{}, false, nil
}

// Resolve is NextUsable with exhaustion reported as *ExhaustedError.
func (r *Resolver) Resolve(rawURL string) (Directive, error) {
	d, ok, err := r.NextUsable(rawURL)
	if err != nil {
		return Directive{}, err
	}
	if !ok {
		return Directive{}, &ExhaustedError{URL: rawURL}
	}
	return d, nil
}

// ProxyForClient returns the client proxy map for the next usable directive.
func (r *Resolver) ProxyForClient(rawURL string) (ClientProxyMap, error) {
	d, err := r.Resolve(rawURL)
	if err != nil {
		return ClientProxyMap{}, err
	}
	return d.ClientProxyMap()
}

// Ban marks the directive with the given canonical string as unusable.
func (r *Resolver) Ban(canonical string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.banned[canonical]; !ok {
		r.banned[canonical] = struct{}{}
		slog.Info("Proxy banned", "proxy", redact(canonical), "banned_total", len(r.banned))
	}
}

// UnbanAll clears every ban.
func (r *Resolver) UnbanAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.banned) > 0 {
		slog.Info("Clearing proxy bans", "count", len(r.banned))
	}
	clear(r.banned)
}

// IsBanned reports whether canonical is currently banned.
func (r *Resolver) IsBanned(canonical string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.banned[canonical]
	return ok
}

func hostnameOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func cloneDirectives(in []Directive) []Directive {
	if in == nil {
		return nil
	}
	out := make([]Directive, len(in))
	copy(out, in)
	return out
}

func copyCredentials(c *Credentials) *Credentials {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}
