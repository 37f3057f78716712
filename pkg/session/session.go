package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/yolkispalkis/pacsession/pkg/kerb"
	"github.com/yolkispalkis/pacsession/pkg/pac"
	"github.com/yolkispalkis/pacsession/pkg/proxy"
)

// maxDrainBytes bounds how much of a discarded response body is read so its
// connection can be reused.
const maxDrainBytes = 64 << 10

// Session is an HTTP client that routes each request according to a PAC file
// and fails over to the next proxy the PAC offers when one stops working.
//
// Without WithPAC, the first request looks for a PAC file using the
// discovery options; if none is found, requests behave like a plain client
// honouring the proxy environment variables. A Session is safe for
// concurrent use.
type Session struct {
	auth           *proxy.Credentials
	socksScheme    string
	pacEnabled     bool
	responseFilter ResponseFilter
	errorFilter    ErrorFilter
	discovery      pac.Options
	kerberos       *kerb.KerberosClient
	connectTimeout time.Duration
	base           *http.Transport

	// onAttempt, when set, sees every directive a request is sent through.
	onAttempt func(proxy.Directive)

	group singleflight.Group

	mu       sync.Mutex
	source   proxy.DecisionSource
	resolver *proxy.Resolver
	triedPAC bool

	tmu        sync.Mutex
	transports map[string]*http.Transport
}

// New creates a Session.
func New(opts ...Option) *Session {
	s := &Session{
		socksScheme:    proxy.DefaultSocksScheme,
		pacEnabled:     true,
		responseFilter: DefaultResponseFilter,
		errorFilter:    DefaultErrorFilter,
		discovery:      pac.DefaultOptions(),
		connectTimeout: DefaultConnectTimeout,
		base:           http.DefaultTransport.(*http.Transport),
		transports:     make(map[string]*http.Transport),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.source != nil {
		s.triedPAC = true
		s.resolver = s.newResolver(s.source)
	}
	return s
}

func (s *Session) newResolver(source proxy.DecisionSource) *proxy.Resolver {
	return proxy.NewResolver(source,
		proxy.WithCredentials(s.auth),
		proxy.WithSocksScheme(s.socksScheme))
}

// Resolver returns the resolver in use, or nil if no PAC has been obtained.
func (s *Session) Resolver() *proxy.Resolver {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolver
}

// SetCredentials changes the proxy credentials. Cached directives and bans
// are dropped.
func (s *Session) SetCredentials(auth *proxy.Credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auth = auth
	if s.resolver != nil {
		s.resolver.SetCredentials(auth)
	}
}

// GetPAC looks for a PAC file if the session has not done so yet and returns
// the decision source in use, or nil if there is none. Only the first call
// searches, and concurrent first calls share one search. A malformed PAC
// file is returned as an error and the search is repeated on the next call.
func (s *Session) GetPAC(ctx context.Context) (proxy.DecisionSource, error) {
	s.mu.Lock()
	done := s.triedPAC || !s.pacEnabled
	source := s.source
	s.mu.Unlock()
	if done {
		return source, nil
	}

	_, err, _ := s.group.Do("pac", func() (any, error) {
		s.mu.Lock()
		tried := s.triedPAC
		s.mu.Unlock()
		if tried {
			return nil, nil
		}

		file, err := pac.Get(ctx, s.discovery)
		if err != nil && !errors.Is(err, pac.ErrNotFound) {
			return nil, err
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		s.triedPAC = true
		if file == nil {
			slog.Info("No PAC file found, requests will not use PAC")
			return nil, nil
		}
		s.source = file
		s.resolver = s.newResolver(file)
		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source, nil
}

// activeResolver returns the resolver to consult for a request, or nil when
// PAC is disabled or unavailable.
func (s *Session) activeResolver(ctx context.Context) (*proxy.Resolver, error) {
	if _, err := s.GetPAC(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pacEnabled {
		return nil, nil
	}
	return s.resolver, nil
}

// Do sends req through the proxy the PAC chooses for its URL.
//
// When the attempt fails in a way the error filter attributes to the proxy,
// or the response filter rejects the response, that proxy is banned and the
// request is retried through the next usable directive. If none remains, an
// error-triggered failover clears every ban and returns the error of the
// last attempt, while a response-triggered failover returns the last
// response. Failures of a DIRECT attempt are returned as they are.
//
// A request whose context carries WithProxyOverride bypasses the PAC.
// Requests with a body are only retried when req.GetBody is set.
func (s *Session) Do(req *http.Request) (*http.Response, error) {
	if d, ok, err := overrideDirective(req.Context()); ok {
		if err != nil {
			return nil, err
		}
		return s.send(req, d, 0)
	}

	resolver, err := s.activeResolver(req.Context())
	if err != nil {
		return nil, err
	}
	if resolver == nil {
		return s.sendClient(req, s.envTransport(), 0)
	}

	target := req.URL.String()
	d, err := resolver.Resolve(target)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		log := slog.With("url", req.URL.Redacted(), "proxy", d.Redacted(), "attempt", attempt+1)

		resp, err := s.send(req, d, attempt)
		if err != nil {
			if d.IsDirect() || !s.errorFilter(err) {
				return nil, err
			}
			log.Warn("Proxy failed, trying next", "error", err)
			next, ferr := failover(resolver, d, target)
			if errors.Is(ferr, proxy.ErrConfigExhausted) {
				log.Warn("No proxy left to fail over to, clearing bans")
				resolver.UnbanAll()
				return nil, err
			}
			if ferr != nil {
				return nil, ferr
			}
			d = next
			continue
		}

		if d.IsDirect() || !s.responseFilter(resp) {
			return resp, nil
		}
		log.Warn("Proxy response indicates failure, trying next", "status", resp.Status)
		next, ferr := failover(resolver, d, target)
		if errors.Is(ferr, proxy.ErrConfigExhausted) {
			log.Warn("No proxy left to fail over to, returning last response")
			return resp, nil
		}
		discard(resp)
		if ferr != nil {
			return nil, ferr
		}
		d = next
	}
}

func failover(r *proxy.Resolver, failed proxy.Directive, target string) (proxy.Directive, error) {
	r.Ban(failed.String())
	return r.Resolve(target)
}

// send issues one attempt of req through d.
func (s *Session) send(req *http.Request, d proxy.Directive, attempt int) (*http.Response, error) {
	if s.onAttempt != nil {
		s.onAttempt(d)
	}
	t, err := s.transportFor(d)
	if err != nil {
		return nil, err
	}
	if s.kerberos != nil && req.URL.Scheme == "http" && (d.Scheme == proxy.SchemeHTTP || d.Scheme == proxy.SchemeHTTPS) {
		if v := s.negotiate(d.Hostname()); v != "" {
			req = req.Clone(req.Context())
			req.Header.Set("Proxy-Authorization", v)
		}
	}
	return s.sendClient(req, t, attempt)
}

func (s *Session) sendClient(req *http.Request, t http.RoundTripper, attempt int) (*http.Response, error) {
	if attempt > 0 {
		var err error
		if req, err = rewind(req); err != nil {
			return nil, err
		}
	}
	client := &http.Client{Transport: t}
	return client.Do(req)
}

// rewind returns a copy of req with a fresh body for a retry.
func rewind(req *http.Request) (*http.Request, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return req, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("cannot retry %s %s: request body is not replayable", req.Method, req.URL.Redacted())
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("failed to rewind request body: %w", err)
	}
	r := req.Clone(req.Context())
	r.Body = body
	return r, nil
}

func discard(resp *http.Response) {
	io.CopyN(io.Discard, resp.Body, maxDrainBytes)
	resp.Body.Close()
}

// Get issues a GET for rawURL.
func (s *Session) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return s.Do(req)
}

// Head issues a HEAD for rawURL.
func (s *Session) Head(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return s.Do(req)
}

// Close closes idle connections of every transport the session created.
func (s *Session) Close() {
	s.closeTransports()
}
