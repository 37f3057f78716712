package pac

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/transform"

	"github.com/yolkispalkis/pacsession/pkg/wpad"
)

// ErrNotFound is returned when no candidate location yields a PAC file.
var ErrNotFound = errors.New("no PAC file found")

const userAgent = "pacsession/PAC-Fetcher"

// DefaultAllowedContentTypes are the PAC MIME types accepted when a response
// carries a Content-Type header.
var DefaultAllowedContentTypes = []string{
	"application/x-ns-proxy-autoconfig",
	"application/x-javascript-config",
}

// errSkip marks a candidate that answered but is not a PAC file.
var errSkip = errors.New("candidate skipped")

// Download tries candidates in order and returns the first PAC script
// obtained. Network failures, timeouts, non-2xx answers and disallowed
// content types move on to the next candidate. file:// candidates are read
// from disk. ErrNotFound is returned when every candidate fails.
func Download(ctx context.Context, candidates []string, opts Options) (string, error) {
	client := opts.httpClient()
	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		js, err := fetchCandidate(ctx, client, candidate, opts)
		if err != nil {
			logSkippedCandidate(candidate, err)
			continue
		}
		slog.Info("Downloaded PAC file", "url", candidate, "size", len(js))
		return js, nil
	}
	return "", ErrNotFound
}

// errDecided stops the remaining downloads once the winner is known.
var errDecided = errors.New("PAC candidate decided")

// ProbeCandidates downloads up to opts.Concurrency candidates at once but
// still returns the script from the earliest candidate in the list that
// produced one. Downloads still running are cancelled as soon as a candidate
// succeeds and every candidate ahead of it has failed.
func ProbeCandidates(ctx context.Context, candidates []string, opts Options) (string, error) {
	if opts.Concurrency <= 1 || len(candidates) <= 1 {
		return Download(ctx, candidates, opts)
	}

	client := opts.httpClient()
	scripts := make([]string, len(candidates))
	errs := make([]error, len(candidates))

	var mu sync.Mutex
	done := make([]bool, len(candidates))
	winner := -1
	// settle records candidate i and reports whether the winner is now known.
	settle := func(i int, js string, err error) bool {
		mu.Lock()
		defer mu.Unlock()
		scripts[i], errs[i], done[i] = js, err, true
		for j := range candidates {
			if !done[j] {
				return false
			}
			if errs[j] == nil {
				winner = j
				return true
			}
		}
		return false
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for i, candidate := range candidates {
		i, candidate := i, candidate
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				settle(i, "", err)
				return nil
			}
			js, err := fetchCandidate(gctx, client, candidate, opts)
			if settle(i, js, err) {
				return errDecided
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	last := winner
	if last < 0 {
		last = len(candidates) - 1
	}
	for i := 0; i <= last; i++ {
		if errs[i] != nil {
			logSkippedCandidate(candidates[i], errs[i])
			continue
		}
		slog.Info("Downloaded PAC file", "url", candidates[i], "size", len(scripts[i]))
		return scripts[i], nil
	}
	return "", ErrNotFound
}

func logSkippedCandidate(candidate string, err error) {
	if errors.Is(err, errSkip) {
		slog.Warn("PAC candidate rejected", "url", candidate, "reason", err)
		return
	}
	slog.Debug("PAC candidate unavailable", "url", candidate, "error", err)
}

func fetchCandidate(ctx context.Context, client *http.Client, candidate string, opts Options) (string, error) {
	u, err := url.Parse(candidate)
	if err != nil {
		return "", fmt.Errorf("invalid PAC URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return fetchHTTP(ctx, client, candidate, opts)
	case "file":
		return readLocal(wpad.FileURLToLocalPath(candidate), opts)
	default:
		return "", fmt.Errorf("unsupported PAC URL scheme %q", u.Scheme)
	}
}

func fetchHTTP(ctx context.Context, client *http.Client, candidate string, opts Options) (string, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, candidate, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create PAC request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch PAC file: %w", err)
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if !contentTypeAllowed(contentType, opts.AllowedContentTypes) {
		return "", fmt.Errorf("%w: content type %q is not one of %v", errSkip, contentType, opts.AllowedContentTypes)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: status %s", errSkip, resp.Status)
	}

	raw, err := readLimited(resp.Body, opts.maxSize())
	if err != nil {
		return "", err
	}
	return decodeScript(raw, contentType, opts.Charset, candidate), nil
}

// contentTypeAllowed applies a substring match of each allowed type against
// the lower-cased header. An empty header, or an empty allow list, passes.
func contentTypeAllowed(header string, allowed []string) bool {
	header = strings.ToLower(header)
	if header == "" || len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if strings.Contains(header, strings.ToLower(a)) {
			return true
		}
	}
	return false
}

func readLocal(path string, opts Options) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open PAC file: %w", err)
	}
	defer f.Close()

	raw, err := readLimited(f, opts.maxSize())
	if err != nil {
		return "", fmt.Errorf("failed to read PAC file %s: %w", path, err)
	}
	return decodeScript(raw, "", opts.Charset, path), nil
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	lr := &io.LimitedReader{R: r, N: limit + 1}
	raw, err := io.ReadAll(lr)
	if err != nil {
		return nil, fmt.Errorf("failed to read PAC body: %w", err)
	}
	if int64(len(raw)) > limit {
		return nil, fmt.Errorf("%w: PAC file exceeds %d bytes", errSkip, limit)
	}
	return raw, nil
}

// decodeScript converts raw to UTF-8. The charset comes from the override,
// then the Content-Type parameter, then a byte order mark; otherwise UTF-8 is
// assumed. Undecodable content is returned as-is.
func decodeScript(raw []byte, contentType, override, source string) string {
	decoded, err := decodeBytesWithCharset(raw, contentType, override)
	if err != nil {
		slog.Warn("Failed to decode PAC content, using raw bytes", "source", source, "error", err)
		return string(raw)
	}
	if !utf8.Valid(decoded) {
		slog.Warn("PAC content is not valid UTF-8 after decoding", "source", source)
	}
	return string(decoded)
}

func decodeBytesWithCharset(raw []byte, contentType, override string) ([]byte, error) {
	if len(raw) == 0 {
		return raw, nil
	}

	name := ""
	switch {
	case override != "":
		name = override
	case contentType != "":
		if _, params, err := mime.ParseMediaType(contentType); err == nil {
			name = params["charset"]
		}
	}
	if name == "" {
		if _, detected, certain := charset.DetermineEncoding(raw, ""); certain {
			name = detected
		}
	}
	if name == "" {
		return raw, nil
	}

	enc, canonical := charset.Lookup(name)
	if enc == nil {
		slog.Warn("Unknown PAC charset, assuming UTF-8", "charset", name)
		return raw, nil
	}
	if canonical == "utf-8" {
		// strip a UTF-8 BOM, which the JS parser would reject
		return []byte(strings.TrimPrefix(string(raw), "\ufeff")), nil
	}

	decoded, _, err := transform.Bytes(enc.NewDecoder(), raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode from %s: %w", canonical, err)
	}
	slog.Debug("Decoded PAC content", "charset", canonical)
	return decoded, nil
}

// directClient fetches PAC files without consulting proxy environment
// variables; a PAC file must not be fetched through the proxy it configures.
func directClient(connectTimeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = (&net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.MaxIdleConns = 5
	return &http.Client{Transport: transport}
}
