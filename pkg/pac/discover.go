package pac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/yolkispalkis/pacsession/pkg/wpad"
)

const (
	DefaultTimeout      = 2 * time.Second
	DefaultMaxSizeBytes = 1 << 20
)

// Options controls where Get looks for a PAC file and how it is fetched.
type Options struct {
	// URL, when set, is the only location tried.
	URL string
	// JS, when set, is used as the script directly.
	JS string

	FromOSSettings bool
	FromDNS        bool

	// Timeout bounds each HTTP candidate.
	Timeout time.Duration
	// AllowedContentTypes filters responses that carry a Content-Type.
	// Empty accepts any.
	AllowedContentTypes []string
	// Charset overrides charset detection.
	Charset      string
	MaxSizeBytes int64
	// Concurrency above 1 probes that many DNS candidates in parallel.
	Concurrency int

	// HTTPClient replaces the direct-connection client used for downloads.
	HTTPClient *http.Client
	// FileOptions are passed to NewFile.
	FileOptions []Option

	// lookupOS and lookupDNS replace the wpad package in tests.
	lookupOS  func() (string, error)
	lookupDNS func() []string
}

// DefaultOptions enables both discovery sources with the standard limits.
func DefaultOptions() Options {
	return Options{
		FromOSSettings:      true,
		FromDNS:             true,
		Timeout:             DefaultTimeout,
		AllowedContentTypes: DefaultAllowedContentTypes,
		MaxSizeBytes:        DefaultMaxSizeBytes,
	}
}

func (o Options) httpClient() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return directClient(o.Timeout)
}

func (o Options) maxSize() int64 {
	if o.MaxSizeBytes > 0 {
		return o.MaxSizeBytes
	}
	return DefaultMaxSizeBytes
}

func (o Options) osSetting() string {
	lookup := o.lookupOS
	if lookup == nil {
		lookup = wpad.AutoconfigURL
	}
	location, err := lookup()
	if err != nil {
		if !errors.Is(err, wpad.ErrUnsupportedPlatform) {
			slog.Warn("Failed to read PAC URL from OS settings", "error", err)
		}
		return ""
	}
	return location
}

func (o Options) dnsCandidates() []string {
	if o.lookupDNS != nil {
		return o.lookupDNS()
	}
	return wpad.ProxyURLsFromDNS("")
}

func isHTTPURL(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// CollectPACURLs lists every URL that might serve a PAC file, in the order
// they should be tried: the OS setting first when it is an http(s) URL, then
// the WPAD DNS candidates.
func CollectPACURLs(opts Options) []string {
	var urls []string
	if opts.FromOSSettings {
		if location := opts.osSetting(); isHTTPURL(location) {
			urls = append(urls, location)
		}
	}
	if opts.FromDNS {
		urls = append(urls, opts.dnsCandidates()...)
	}
	return urls
}

// Get finds, downloads and parses a PAC file.
//
// JS is parsed as-is, and URL is the only location tried, when set.
// Otherwise a local file named by the OS settings is used directly, and
// failing that the collected URLs are downloaded in order. ErrNotFound is
// returned when nothing yields a script; a script that does not parse is
// returned as *MalformedError.
func Get(ctx context.Context, opts Options) (*File, error) {
	if opts.JS != "" {
		return NewFile(opts.JS, opts.FileOptions...)
	}

	if opts.URL != "" {
		js, err := Download(ctx, []string{opts.URL}, opts)
		if err != nil {
			return nil, err
		}
		return NewFile(js, opts.FileOptions...)
	}

	if opts.FromOSSettings {
		location := opts.osSetting()
		if strings.HasPrefix(strings.ToLower(location), "file://") {
			location = wpad.FileURLToLocalPath(location)
		}
		if location != "" && !isHTTPURL(location) {
			if info, err := os.Stat(location); err == nil && info.Mode().IsRegular() {
				js, err := readLocal(location, opts)
				if err != nil {
					return nil, err
				}
				slog.Info("Using PAC file from OS settings", "path", location)
				return NewFile(js, opts.FileOptions...)
			}
		}
	}

	candidates := CollectPACURLs(opts)
	if len(candidates) == 0 {
		return nil, ErrNotFound
	}
	slog.Debug("Searching for PAC file", "candidates", candidates)

	js, err := ProbeCandidates(ctx, candidates, opts)
	if err != nil {
		return nil, err
	}
	file, err := NewFile(js, opts.FileOptions...)
	if err != nil {
		return nil, fmt.Errorf("downloaded PAC file is unusable: %w", err)
	}
	return file, nil
}
