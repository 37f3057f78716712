package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/things-go/go-socks5"

	"github.com/yolkispalkis/pacsession/pkg/kerb"
	"github.com/yolkispalkis/pacsession/pkg/pac"
	"github.com/yolkispalkis/pacsession/pkg/proxy"
)

// closedAddr returns a loopback address nothing listens on.
func closedAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func targetServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "direct")
	}))
	t.Cleanup(srv.Close)
	return srv
}

// fakeProxy is a forward HTTP proxy that answers requests itself.
type fakeProxy struct {
	*httptest.Server
	name   string
	status int

	mu         sync.Mutex
	hits       int
	authSeen   []string
	bodiesSeen []string
}

func newFakeProxy(t *testing.T, name string, status int) *fakeProxy {
	t.Helper()
	p := &fakeProxy{name: name, status: status}
	p.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		p.mu.Lock()
		p.hits++
		p.authSeen = append(p.authSeen, r.Header.Get("Proxy-Authorization"))
		p.bodiesSeen = append(p.bodiesSeen, string(body))
		p.mu.Unlock()
		if !r.URL.IsAbs() {
			http.Error(w, "not a proxy request", http.StatusBadRequest)
			return
		}
		w.WriteHeader(p.status)
		io.WriteString(w, "via "+p.name)
	}))
	t.Cleanup(p.Close)
	return p
}

func (p *fakeProxy) addr() string {
	return strings.TrimPrefix(p.URL, "http://")
}

func (p *fakeProxy) stats() (int, []string, []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hits, append([]string(nil), p.authSeen...), append([]string(nil), p.bodiesSeen...)
}

type attempts struct {
	mu   sync.Mutex
	list []string
}

func (a *attempts) record(d proxy.Directive) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.list = append(a.list, d.String())
}

func (a *attempts) get() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.list...)
}

func newTestSession(pacValue string, opts ...Option) (*Session, *attempts) {
	source := proxy.DecisionFunc(func(string, string) (string, error) { return pacValue, nil })
	s := New(append([]Option{WithPAC(source)}, opts...)...)
	rec := &attempts{}
	s.onAttempt = rec.record
	return s, rec
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestFailoverChainReachesDirect(t *testing.T) {
	target := targetServer(t)
	a, b := closedAddr(t), closedAddr(t)
	s, rec := newTestSession(fmt.Sprintf("PROXY %s; PROXY %s; DIRECT", a, b))
	defer s.Close()

	resp, err := s.Get(context.Background(), target.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := readBody(t, resp); got != "direct" {
		t.Errorf("body = %q, want direct", got)
	}

	want := []string{"http://" + a, "http://" + b, "DIRECT"}
	if got := rec.get(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("attempts = %v, want %v", got, want)
	}
	if !s.Resolver().IsBanned("http://"+a) || !s.Resolver().IsBanned("http://"+b) {
		t.Errorf("failed proxies should stay banned after a successful failover")
	}
}

func TestFailoverWithoutDirectReraisesAndUnbans(t *testing.T) {
	target := targetServer(t)
	a, b := closedAddr(t), closedAddr(t)
	s, rec := newTestSession(fmt.Sprintf("PROXY %s; PROXY %s", a, b))
	defer s.Close()

	_, err := s.Get(context.Background(), target.URL)
	if err == nil {
		t.Fatal("Get succeeded through two dead proxies")
	}
	if errors.Is(err, proxy.ErrConfigExhausted) {
		t.Fatalf("exhaustion should surface the transport error, got %v", err)
	}
	if !strings.Contains(err.Error(), b) {
		t.Errorf("error %q should come from the last proxy %s", err, b)
	}
	if s.Resolver().IsBanned("http://"+a) || s.Resolver().IsBanned("http://"+b) {
		t.Errorf("bans should be cleared after exhaustion")
	}

	rec.list = nil
	s.Get(context.Background(), target.URL)
	if got := rec.get(); len(got) == 0 || got[0] != "http://"+a {
		t.Errorf("next request should start with %s again, attempts = %v", a, got)
	}
}

func TestResponseFilterFailover(t *testing.T) {
	bad := newFakeProxy(t, "bad", http.StatusBadGateway)
	good := newFakeProxy(t, "good", http.StatusOK)
	s, _ := newTestSession(fmt.Sprintf("PROXY %s; PROXY %s", bad.addr(), good.addr()),
		WithResponseFilter(StatusResponseFilter(http.StatusBadGateway)))
	defer s.Close()

	resp, err := s.Get(context.Background(), "http://example.invalid/")
	if err != nil {
		t.Fatal(err)
	}
	if got := readBody(t, resp); got != "via good" {
		t.Errorf("body = %q, want via good", got)
	}
}

func TestResponseFilterExhaustionReturnsLastResponse(t *testing.T) {
	bad := newFakeProxy(t, "bad", http.StatusBadGateway)
	s, _ := newTestSession("PROXY "+bad.addr(),
		WithResponseFilter(StatusResponseFilter(http.StatusBadGateway)))
	defer s.Close()

	resp, err := s.Get(context.Background(), "http://example.invalid/")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
	if got := readBody(t, resp); got != "via bad" {
		t.Errorf("body = %q", got)
	}
	if !s.Resolver().IsBanned("http://" + bad.addr()) {
		t.Errorf("response exhaustion should not clear bans")
	}
}

func TestNonProxyErrorIsNotFailedOver(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	defer broken.Close()
	addr := strings.TrimPrefix(broken.URL, "http://")

	s, rec := newTestSession("PROXY " + addr + "; DIRECT")
	defer s.Close()

	if _, err := s.Get(context.Background(), "http://example.invalid/"); err == nil {
		t.Fatal("expected an error from the aborted response")
	}
	if got := rec.get(); len(got) != 1 {
		t.Errorf("attempts = %v, want a single attempt", got)
	}
	if s.Resolver().IsBanned("http://" + addr) {
		t.Errorf("proxy banned for a non-proxy failure")
	}
}

func TestCredentialsReachProxy(t *testing.T) {
	p := newFakeProxy(t, "p", http.StatusOK)
	s, _ := newTestSession("PROXY "+p.addr(),
		WithCredentials(&proxy.Credentials{Username: "user", Password: "p@ss word"}))
	defer s.Close()

	resp, err := s.Get(context.Background(), "http://example.invalid/")
	if err != nil {
		t.Fatal(err)
	}
	readBody(t, resp)

	_, auth, _ := p.stats()
	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("user:p@ss word"))
	if len(auth) != 1 || auth[0] != want {
		t.Errorf("Proxy-Authorization = %v, want %q", auth, want)
	}

	s.SetCredentials(nil)
	resp, err = s.Get(context.Background(), "http://example.invalid/")
	if err != nil {
		t.Fatal(err)
	}
	readBody(t, resp)
	if _, auth, _ := p.stats(); auth[1] != "" {
		t.Errorf("credentials still sent after SetCredentials(nil): %q", auth[1])
	}
}

func TestRequestBodyIsReplayed(t *testing.T) {
	good := newFakeProxy(t, "good", http.StatusOK)
	s, _ := newTestSession(fmt.Sprintf("PROXY %s; PROXY %s", closedAddr(t), good.addr()))
	defer s.Close()

	req, err := http.NewRequest(http.MethodPost, "http://example.invalid/upload", strings.NewReader("payload"))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := s.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	readBody(t, resp)
	if _, _, bodies := good.stats(); len(bodies) != 1 || bodies[0] != "payload" {
		t.Errorf("proxy saw bodies %q, want [payload]", bodies)
	}
}

func TestSOCKS5Proxy(t *testing.T) {
	target := targetServer(t)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	server := socks5.NewServer()
	go server.Serve(l)

	s, rec := newTestSession("SOCKS " + l.Addr().String())
	defer s.Close()

	resp, err := s.Get(context.Background(), target.URL)
	if err != nil {
		t.Fatalf("Get via SOCKS5: %v", err)
	}
	if got := readBody(t, resp); got != "direct" {
		t.Errorf("body = %q", got)
	}
	if got := rec.get(); len(got) != 1 || got[0] != "socks5://"+l.Addr().String() {
		t.Errorf("attempts = %v", got)
	}
}

func TestDeadSOCKS5ProxyFailsOver(t *testing.T) {
	target := targetServer(t)
	s, rec := newTestSession("SOCKS5 " + closedAddr(t) + "; DIRECT")
	defer s.Close()

	resp, err := s.Get(context.Background(), target.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	readBody(t, resp)
	if got := rec.get(); len(got) != 2 {
		t.Errorf("attempts = %v, want SOCKS5 then DIRECT", got)
	}
}

func TestSOCKS4IsUnsupported(t *testing.T) {
	target := targetServer(t)

	s, rec := newTestSession("SOCKS4 gw:1080; DIRECT")
	defer s.Close()
	resp, err := s.Get(context.Background(), target.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	readBody(t, resp)
	if got := rec.get(); strings.Join(got, ",") != "socks4://gw:1080,DIRECT" {
		t.Errorf("attempts = %v", got)
	}

	s2, _ := newTestSession("SOCKS4 gw:1080")
	defer s2.Close()
	var unsupported *UnsupportedSchemeError
	if _, err := s2.Get(context.Background(), target.URL); !errors.As(err, &unsupported) {
		t.Errorf("error = %v, want *UnsupportedSchemeError", err)
	}
}

func TestProxyOverride(t *testing.T) {
	target := targetServer(t)
	p := newFakeProxy(t, "override", http.StatusOK)
	s, rec := newTestSession("PROXY " + closedAddr(t))
	defer s.Close()

	resp, err := s.Get(WithProxyOverride(context.Background(), nil), target.URL)
	if err != nil {
		t.Fatalf("direct override: %v", err)
	}
	if got := readBody(t, resp); got != "direct" {
		t.Errorf("body = %q", got)
	}

	u, _ := url.Parse(p.URL)
	resp, err = s.Get(WithProxyOverride(context.Background(), u), "http://example.invalid/")
	if err != nil {
		t.Fatalf("proxy override: %v", err)
	}
	if got := readBody(t, resp); got != "via override" {
		t.Errorf("body = %q", got)
	}

	if got := rec.get(); strings.Join(got, ",") != "DIRECT,http://"+p.addr() {
		t.Errorf("attempts = %v", got)
	}
	if s.Resolver().IsBanned("http://" + p.addr()) {
		t.Errorf("override should not touch bans")
	}
}

func TestPACDisabled(t *testing.T) {
	target := targetServer(t)
	s, rec := newTestSession("PROXY "+closedAddr(t), WithPACEnabled(false))
	defer s.Close()

	resp, err := s.Get(context.Background(), target.URL)
	if err != nil {
		t.Fatal(err)
	}
	readBody(t, resp)
	if got := rec.get(); len(got) != 0 {
		t.Errorf("PAC consulted while disabled: %v", got)
	}
}

func TestDecisionSourceErrorPropagates(t *testing.T) {
	boom := errors.New("script exploded")
	s := New(WithPAC(proxy.DecisionFunc(func(string, string) (string, error) { return "", boom })))
	defer s.Close()
	if _, err := s.Get(context.Background(), "http://example.invalid/"); !errors.Is(err, boom) {
		t.Errorf("error = %v, want %v", err, boom)
	}
}

func TestEmptyPACIsExhausted(t *testing.T) {
	s, _ := newTestSession("")
	defer s.Close()
	var exhausted *proxy.ExhaustedError
	if _, err := s.Get(context.Background(), "http://example.invalid/"); !errors.As(err, &exhausted) {
		t.Errorf("error = %v, want *proxy.ExhaustedError", err)
	}
}

func TestPACFileSession(t *testing.T) {
	target := targetServer(t)
	file, err := pac.NewFile(fmt.Sprintf(`function FindProxyForURL(url, host) {
		if (isPlainHostName(host)) return "DIRECT";
		return "PROXY %s; DIRECT";
	}`, closedAddr(t)))
	if err != nil {
		t.Fatal(err)
	}
	s := New(WithPAC(file))
	defer s.Close()

	resp, err := s.Get(context.Background(), target.URL)
	if err != nil {
		t.Fatal(err)
	}
	if got := readBody(t, resp); got != "direct" {
		t.Errorf("body = %q", got)
	}
}

func TestLazyDiscoveryRunsOnce(t *testing.T) {
	target := targetServer(t)
	var hits atomic.Int32
	pacSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/x-ns-proxy-autoconfig")
		io.WriteString(w, `function FindProxyForURL(url, host) { return "DIRECT"; }`)
	}))
	defer pacSrv.Close()

	opts := pac.DefaultOptions()
	opts.URL = pacSrv.URL + "/proxy.pac"
	s := New(WithDiscovery(opts))
	defer s.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := s.Get(context.Background(), target.URL)
			if err != nil {
				t.Error(err)
				return
			}
			resp.Body.Close()
		}()
	}
	wg.Wait()

	if n := hits.Load(); n != 1 {
		t.Errorf("PAC downloaded %d times, want 1", n)
	}
	source, err := s.GetPAC(context.Background())
	if err != nil || source == nil {
		t.Fatalf("GetPAC = %v, %v", source, err)
	}
	if _, ok := source.(*pac.File); !ok {
		t.Errorf("GetPAC returned %T, want *pac.File", source)
	}
}

func TestDiscoveryNotFoundGoesDirect(t *testing.T) {
	target := targetServer(t)
	opts := pac.DefaultOptions()
	opts.URL = "http://" + closedAddr(t) + "/wpad.dat"
	s := New(WithDiscovery(opts))
	defer s.Close()

	resp, err := s.Get(context.Background(), target.URL)
	if err != nil {
		t.Fatal(err)
	}
	readBody(t, resp)
	if s.Resolver() != nil {
		t.Errorf("resolver created without a PAC")
	}
}

func TestDiscoveryMalformedPAC(t *testing.T) {
	pacSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ns-proxy-autoconfig")
		io.WriteString(w, `function FindProxyForURL(url, host) {`)
	}))
	defer pacSrv.Close()

	opts := pac.DefaultOptions()
	opts.URL = pacSrv.URL
	s := New(WithDiscovery(opts))
	defer s.Close()

	var malformed *pac.MalformedError
	if _, err := s.Get(context.Background(), "http://example.invalid/"); !errors.As(err, &malformed) {
		t.Errorf("error = %v, want *pac.MalformedError", err)
	}
}

func TestKerberosWithoutTicketStillConnects(t *testing.T) {
	t.Setenv("KRB5_CONFIG", filepath.Join(t.TempDir(), "missing.conf"))
	k := kerb.NewKerberosClient(filepath.Join(t.TempDir(), "no-ccache"))
	defer k.Close()

	p := newFakeProxy(t, "p", http.StatusOK)
	s, _ := newTestSession("PROXY "+p.addr(), WithKerberos(k))
	defer s.Close()

	resp, err := s.Get(context.Background(), "http://example.invalid/")
	if err != nil {
		t.Fatal(err)
	}
	readBody(t, resp)
	if _, auth, _ := p.stats(); len(auth) != 1 || auth[0] != "" {
		t.Errorf("Proxy-Authorization = %v, want none", auth)
	}
}

func TestDirectIgnoresProxyEnvironment(t *testing.T) {
	dead := "http://" + closedAddr(t)
	for _, key := range []string{"HTTP_PROXY", "http_proxy", "HTTPS_PROXY", "https_proxy"} {
		t.Setenv(key, dead)
	}
	t.Setenv("NO_PROXY", "")
	t.Setenv("no_proxy", "")

	target := targetServer(t)
	s, rec := newTestSession("DIRECT")
	defer s.Close()

	resp, err := s.Get(context.Background(), target.URL)
	if err != nil {
		t.Fatalf("DIRECT request failed: %v", err)
	}
	if got := readBody(t, resp); got != "direct" {
		t.Errorf("body = %q", got)
	}
	if got := rec.get(); strings.Join(got, ",") != "DIRECT" {
		t.Errorf("attempts = %v", got)
	}

	tr, err := s.transportFor(proxy.Direct)
	if err != nil {
		t.Fatal(err)
	}
	if tr.Proxy != nil {
		t.Errorf("DIRECT transport consults a proxy func")
	}
	if tr == s.envTransport() {
		t.Errorf("DIRECT shares the environment transport")
	}
}

func TestProxyEnvForURL(t *testing.T) {
	t.Setenv("HTTP_PROXY", "http://old:1")
	t.Setenv("HTTPS_PROXY", "")
	t.Setenv("http_proxy", "http://lower:2")
	t.Setenv("https_proxy", "")
	os.Unsetenv("https_proxy")

	r := proxy.NewResolver(proxy.DecisionFunc(func(u, host string) (string, error) {
		if host == "intranet" {
			return "DIRECT", nil
		}
		return "PROXY a:80", nil
	}))

	restore, err := ProxyEnvForURL(r, "http://example.com/")
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"HTTP_PROXY", "http_proxy", "HTTPS_PROXY", "https_proxy"} {
		if got := os.Getenv(key); got != "http://a:80" {
			t.Errorf("%s = %q", key, got)
		}
	}
	restore()
	if got := os.Getenv("HTTP_PROXY"); got != "http://old:1" {
		t.Errorf("HTTP_PROXY after restore = %q", got)
	}
	if got := os.Getenv("http_proxy"); got != "http://lower:2" {
		t.Errorf("http_proxy after restore = %q", got)
	}
	if v, set := os.LookupEnv("HTTPS_PROXY"); !set || v != "" {
		t.Errorf("HTTPS_PROXY after restore = %q (set=%v), want empty and set", v, set)
	}
	if _, set := os.LookupEnv("https_proxy"); set {
		t.Errorf("https_proxy should be unset after restore")
	}

	restore, err = ProxyEnvForURL(r, "http://intranet/")
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"HTTP_PROXY", "http_proxy", "HTTPS_PROXY", "https_proxy"} {
		if v, set := os.LookupEnv(key); !set || v != "" {
			t.Errorf("DIRECT should set %s to empty, got %q (set=%v)", key, v, set)
		}
	}
	restore()
	if got := os.Getenv("http_proxy"); got != "http://lower:2" {
		t.Errorf("http_proxy after second restore = %q", got)
	}
}

func TestDefaultErrorFilter(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"proxyconnect", &url.Error{Op: "Get", URL: "http://x/", Err: &net.OpError{Op: "proxyconnect", Net: "tcp", Err: errors.New("refused")}}, true},
		{"unsupported", &UnsupportedSchemeError{Proxy: "socks4://a:1"}, true},
		{"connect refused", &url.Error{Op: "Get", URL: "https://x/", Err: &ProxyStatusError{Proxy: "http://a:1", StatusCode: 403, Status: "403 Forbidden"}}, true},
		{"target refused", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}, false},
	}
	for _, tt := range tests {
		if got := DefaultErrorFilter(tt.err); got != tt.want {
			t.Errorf("%s: DefaultErrorFilter = %v, want %v", tt.name, got, tt.want)
		}
	}
	if DefaultResponseFilter(&http.Response{StatusCode: http.StatusProxyAuthRequired}) {
		t.Errorf("DefaultResponseFilter should never report failure")
	}
}
