package pac

import (
	"context"
	"net"
	"time"
)

// HostResolver is the DNS lookup used by the PAC helper functions.
// *net.Resolver satisfies it.
type HostResolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Option configures a File.
type Option func(*File)

// WithExecutionTimeout bounds every run of the script. Zero or negative
// disables the bound.
func WithExecutionTimeout(d time.Duration) Option {
	return func(f *File) {
		f.execTimeout = d
	}
}

// WithHostResolver replaces the DNS resolver used by dnsResolve, isInNet,
// myIpAddress and friends.
func WithHostResolver(r HostResolver) Option {
	return func(f *File) {
		if r != nil {
			f.resolver = r
		}
	}
}

// WithDNSCacheTTL sets how long helper DNS answers, including failures, are
// remembered.
func WithDNSCacheTTL(d time.Duration) Option {
	return func(f *File) {
		if d > 0 {
			f.dnsTTL = d
		}
	}
}

// WithClock replaces the clock used by weekdayRange, dateRange and timeRange.
func WithClock(now func() time.Time) Option {
	return func(f *File) {
		if now != nil {
			f.now = now
		}
	}
}

// WithLocalHost overrides how the helpers learn the local hostname and
// interface addresses.
func WithLocalHost(hostname func() (string, error), interfaces func() ([]net.Addr, error)) Option {
	return func(f *File) {
		if hostname != nil {
			f.hostname = hostname
		}
		if interfaces != nil {
			f.interfaces = interfaces
		}
	}
}
