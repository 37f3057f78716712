// Package wpad finds candidate PAC file locations from the operating system's
// proxy settings and from the Web Proxy Auto-Discovery convention.
package wpad

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

// ErrUnsupportedPlatform is returned by AutoconfigURL on platforms without a
// known place for a configured PAC URL.
var ErrUnsupportedPlatform = errors.New("reading the configured PAC URL is not supported on this platform")

const fqdnLookupTimeout = 2 * time.Second

// SearchURLs builds the WPAD candidate URLs for a host split into its
// subdomain part and its first-level domain, walking up the subdomain
// hierarchy. For "foo.bar" and "example.com" that is wpad.bar.example.com
// followed by wpad.example.com.
func SearchURLs(subdomainOrHost, fld string) []string {
	parts := strings.Split(subdomainOrHost, ".")
	urls := make([]string, 0, len(parts))
	for i := 1; i <= len(parts); i++ {
		labels := append(append([]string{}, parts[i:]...), fld)
		urls = append(urls, "http://wpad."+strings.Join(labels, ".")+"/wpad.dat")
	}
	return urls
}

// ProxyURLsFromDNS returns the WPAD candidate URLs for localHostname, or for
// this machine's fully qualified name when localHostname is empty.
//
// The first-level domain is found with the ICANN section of the public suffix
// list so candidates never leave the organization's domain. A host under an
// unknown TLD such as .local or .internal treats its last label as the TLD.
// Unqualified or malformed names yield no candidates.
func ProxyURLsFromDNS(localHostname string) []string {
	if localHostname == "" {
		localHostname = fqdn()
	}
	host := strings.ToLower(localHostname)
	if !strings.Contains(host, ".") || len(host) < 3 || strings.HasPrefix(host, ".") || strings.HasSuffix(host, ".") {
		slog.Debug("Hostname is not qualified, no WPAD candidates", "hostname", localHostname)
		return nil
	}

	labels := strings.Split(host, ".")
	suffixLabels := icannSuffixLabels(labels)
	if suffixLabels == 0 {
		// unknown TLD: the registrable domain is the last label alone
		return SearchURLs(strings.Join(labels[:len(labels)-1], "."), labels[len(labels)-1])
	}
	if suffixLabels >= len(labels) {
		return nil
	}
	split := len(labels) - suffixLabels - 1
	return SearchURLs(strings.Join(labels[:split], "."), strings.Join(labels[split:], "."))
}

// icannSuffixLabels returns how many trailing labels form the longest ICANN
// public suffix, or 0 when the TLD is not on the list.
func icannSuffixLabels(labels []string) int {
	n := 0
	for i := len(labels) - 1; i >= 0; i-- {
		candidate := strings.Join(labels[i:], ".")
		suffix, icann := publicsuffix.PublicSuffix(candidate)
		if icann && suffix == candidate {
			n = len(labels) - i
		}
	}
	return n
}

func fqdn() string {
	name, err := os.Hostname()
	if err != nil {
		slog.Warn("Failed to read local hostname", "error", err)
		return ""
	}
	if strings.Contains(name, ".") {
		return name
	}
	ctx, cancel := context.WithTimeout(context.Background(), fqdnLookupTimeout)
	defer cancel()
	cname, err := net.DefaultResolver.LookupCNAME(ctx, name)
	if err != nil {
		return name
	}
	return strings.TrimSuffix(cname, ".")
}

// AutoconfigURL returns the PAC location configured in the OS proxy settings,
// or "" if none is configured. The value may be a local path rather than a URL.
func AutoconfigURL() (string, error) {
	return autoconfigURL()
}

// FileURLToLocalPath converts a file:// URL into a local filesystem path. The
// path may not exist.
func FileURLToLocalPath(fileURL string) string {
	u, err := url.Parse(fileURL)
	if err != nil {
		return strings.TrimPrefix(fileURL, "file://")
	}
	p := u.Path
	if len(p) >= 3 && p[0] == '/' && p[2] == ':' {
		// file:///C:/dir/proxy.pac
		p = p[1:]
	} else if u.Host != "" && !strings.EqualFold(u.Host, "localhost") {
		p = "//" + u.Host + p
	}
	return filepath.FromSlash(p)
}
