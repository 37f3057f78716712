package pac

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"regexp"
	"slices"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/robertkrimen/otto"
)

const globCacheSize = 512

// globCache holds compiled shExpMatch patterns shared by every File. A nil
// entry marks a pattern that does not compile.
var globCache = mustGlobCache()

func mustGlobCache() *lru.Cache[string, *regexp.Regexp] {
	c, err := lru.New[string, *regexp.Regexp](globCacheSize)
	if err != nil {
		panic(err)
	}
	return c
}

type helperFunc = func(call otto.FunctionCall) otto.Value

// helpers is the table of functions a PAC script may call. The Microsoft
// IPv6 extensions are available to FindProxyForURL as well, as browsers do.
func (f *File) helpers() map[string]helperFunc {
	return map[string]helperFunc{
		"dnsDomainIs":         boolHelper2(dnsDomainIs),
		"shExpMatch":          boolHelper2(shExpMatch),
		"localHostOrDomainIs": boolHelper2(localHostOrDomainIs),
		"isPlainHostName":     boolHelper1(isPlainHostName),
		"dnsDomainLevels":     f.pacDnsDomainLevels,
		"isInNet":             f.pacIsInNet,
		"dnsResolve":          f.pacDnsResolve,
		"isResolvable":        f.pacIsResolvable,
		"myIpAddress":         f.pacMyIpAddress,
		"weekdayRange":        f.pacWeekdayRange,
		"dateRange":           f.pacDateRange,
		"timeRange":           f.pacTimeRange,
		"alert":               pacAlert,

		"getClientVersion":  pacGetClientVersion,
		"myIpAddressEx":     f.pacMyIpAddressEx,
		"dnsResolveEx":      f.pacDnsResolveEx,
		"isResolvableEx":    f.pacIsResolvableEx,
		"isInNetEx":         f.pacIsInNetEx,
		"sortIpAddressList": pacSortIpAddressList,
	}
}

func boolValue(b bool) otto.Value {
	if b {
		return otto.TrueValue()
	}
	return otto.FalseValue()
}

func stringValue(call otto.FunctionCall, s string) otto.Value {
	v, err := call.Otto.ToValue(s)
	if err != nil {
		return otto.NullValue()
	}
	return v
}

func stringArg(call otto.FunctionCall, i int) string {
	return call.Argument(i).String()
}

func boolHelper1(fn func(string) bool) helperFunc {
	return func(call otto.FunctionCall) otto.Value {
		return boolValue(fn(stringArg(call, 0)))
	}
}

func boolHelper2(fn func(string, string) bool) helperFunc {
	return func(call otto.FunctionCall) otto.Value {
		return boolValue(fn(stringArg(call, 0), stringArg(call, 1)))
	}
}

func pacAlert(call otto.FunctionCall) otto.Value {
	slog.Info("[PAC Alert]", "message", stringArg(call, 0))
	return otto.UndefinedValue()
}

func pacGetClientVersion(call otto.FunctionCall) otto.Value {
	return stringValue(call, "1.0")
}

// dnsDomainIs with a leading-dot domain is a suffix match; otherwise the host
// must equal the domain.
func dnsDomainIs(host, domain string) bool {
	if strings.HasPrefix(domain, ".") {
		domain = "*" + domain
	}
	return shExpMatch(host, domain)
}

// shExpMatch matches s against a shell glob, case-insensitively. Unlike
// path.Match, '*' also matches '/', so URL patterns work.
func shExpMatch(s, pattern string) bool {
	re, ok := globCache.Get(pattern)
	if !ok {
		var err error
		re, err = regexp.Compile(globToRegexp(pattern))
		if err != nil {
			slog.Warn("Invalid shExpMatch pattern", "pattern", pattern, "error", err)
			re = nil
		}
		globCache.Add(pattern, re)
	}
	return re != nil && re.MatchString(s)
}

func globToRegexp(pattern string) string {
	var b strings.Builder
	b.WriteString(`(?is)^`)
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		switch r := runes[i]; r {
		case '*':
			b.WriteString(`.*`)
		case '?':
			b.WriteString(`.`)
		case '[':
			j := i + 1
			if j < len(runes) && runes[j] == '!' {
				j++
			}
			if j < len(runes) && runes[j] == ']' {
				j++
			}
			for j < len(runes) && runes[j] != ']' {
				j++
			}
			if j >= len(runes) {
				b.WriteString(`\[`)
				continue
			}
			class := strings.ReplaceAll(string(runes[i+1:j]), `\`, `\\`)
			switch {
			case strings.HasPrefix(class, "!"):
				class = "^" + class[1:]
			case strings.HasPrefix(class, "^"):
				class = `\` + class
			}
			b.WriteString("[" + class + "]")
			i = j
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString(`$`)
	return b.String()
}

// localHostOrDomainIs is true when host is hostdom or an unqualified prefix
// of it.
func localHostOrDomainIs(host, hostdom string) bool {
	return strings.HasPrefix(strings.ToLower(hostdom), strings.ToLower(host))
}

func dnsDomainLevels(host string) int {
	return strings.Count(host, ".")
}

func isPlainHostName(host string) bool {
	return dnsDomainLevels(host) == 0
}

func (f *File) pacDnsDomainLevels(call otto.FunctionCall) otto.Value {
	v, err := call.Otto.ToValue(dnsDomainLevels(stringArg(call, 0)))
	if err != nil {
		return otto.UndefinedValue()
	}
	return v
}

// lookup resolves host through the cache. Failures are cached as an empty
// answer so a dead resolver does not stall every call.
func (f *File) lookup(host string) []string {
	host = strings.TrimSpace(host)
	if host == "" {
		return nil
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return []string{addr.String()}
	}
	if addrs, ok := f.dnsCache.Get(host); ok {
		return addrs
	}

	ctx, cancel := context.WithTimeout(context.Background(), dnsLookupTimeout)
	defer cancel()
	addrs, err := f.resolver.LookupHost(ctx, host)
	if err != nil {
		slog.Debug("PAC DNS lookup failed", "host", host, "error", err)
		addrs = nil
	}
	f.dnsCache.Add(host, addrs)
	return addrs
}

// resolveIPv4 returns the first IPv4 address for host, the way gethostbyname
// would.
func (f *File) resolveIPv4(host string) (string, bool) {
	for _, a := range f.lookup(host) {
		if addr, err := netip.ParseAddr(a); err == nil && addr.Unmap().Is4() {
			return addr.Unmap().String(), true
		}
	}
	return "", false
}

func (f *File) pacDnsResolve(call otto.FunctionCall) otto.Value {
	ip, ok := f.resolveIPv4(stringArg(call, 0))
	if !ok {
		return otto.NullValue()
	}
	return stringValue(call, ip)
}

func (f *File) pacIsResolvable(call otto.FunctionCall) otto.Value {
	_, ok := f.resolveIPv4(stringArg(call, 0))
	return boolValue(ok)
}

func (f *File) pacIsInNet(call otto.FunctionCall) otto.Value {
	host := stringArg(call, 0)
	ip, ok := f.resolveIPv4(host)
	if !ok {
		return otto.FalseValue()
	}
	return boolValue(ipv4InNet(ip, stringArg(call, 1), stringArg(call, 2)))
}

// ipv4InNet compares ip and pattern under a dotted-quad mask. All three must
// be IPv4.
func ipv4InNet(ip, pattern, mask string) bool {
	a, errA := netip.ParseAddr(ip)
	p, errP := netip.ParseAddr(pattern)
	m, errM := netip.ParseAddr(mask)
	if errA != nil || errP != nil || errM != nil || !a.Is4() || !p.Is4() || !m.Is4() {
		return false
	}
	ab, pb, mb := a.As4(), p.As4(), m.As4()
	for i := range mb {
		if ab[i]&mb[i] != pb[i]&mb[i] {
			return false
		}
	}
	return true
}

func (f *File) pacMyIpAddress(call otto.FunctionCall) otto.Value {
	return stringValue(call, f.myIPAddress())
}

// myIPAddress resolves the local hostname, then falls back to the first
// global IPv4 interface address and finally to loopback.
func (f *File) myIPAddress() string {
	if name, err := f.hostname(); err == nil && name != "" {
		if ip, ok := f.resolveIPv4(name); ok {
			return ip
		}
	}
	for _, addr := range f.localAddrs() {
		if addr.Is4() {
			return addr.String()
		}
	}
	slog.Debug("PAC myIpAddress: no usable address found, using loopback")
	return "127.0.0.1"
}

// localAddrs lists interface addresses that are neither loopback, link-local
// nor unspecified.
func (f *File) localAddrs() []netip.Addr {
	ifaddrs, err := f.interfaces()
	if err != nil {
		slog.Warn("PAC helper: failed to list interface addresses", "error", err)
		return nil
	}
	var out []netip.Addr
	for _, a := range ifaddrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		addr, ok := netip.AddrFromSlice(ipnet.IP)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		if addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsUnspecified() || addr.IsMulticast() {
			continue
		}
		out = append(out, addr)
	}
	return out
}

func (f *File) pacMyIpAddressEx(call otto.FunctionCall) otto.Value {
	addrs := f.localAddrs()
	sortAddrs(addrs)
	return stringValue(call, joinAddrs(addrs))
}

func (f *File) pacDnsResolveEx(call otto.FunctionCall) otto.Value {
	return stringValue(call, strings.Join(f.lookup(stringArg(call, 0)), ";"))
}

func (f *File) pacIsResolvableEx(call otto.FunctionCall) otto.Value {
	return boolValue(len(f.lookup(stringArg(call, 0))) > 0)
}

// pacIsInNetEx matches a host or address against a CIDR prefix. A hostname
// matches if any of its addresses does.
func (f *File) pacIsInNetEx(call otto.FunctionCall) otto.Value {
	prefix, err := netip.ParsePrefix(stringArg(call, 1))
	if err != nil {
		return otto.FalseValue()
	}
	for _, a := range f.lookup(stringArg(call, 0)) {
		if addr, err := netip.ParseAddr(a); err == nil && prefix.Contains(addr.Unmap()) {
			return otto.TrueValue()
		}
	}
	return otto.FalseValue()
}

func pacSortIpAddressList(call otto.FunctionCall) otto.Value {
	sorted, ok := sortIPAddressList(stringArg(call, 0))
	if !ok {
		return otto.FalseValue()
	}
	return stringValue(call, sorted)
}

// sortIPAddressList orders a semicolon-separated address list with IPv6
// first, each family ascending.
func sortIPAddressList(list string) (string, bool) {
	var addrs []netip.Addr
	for _, s := range strings.Split(list, ";") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return "", false
		}
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return "", false
	}
	sortAddrs(addrs)
	return joinAddrs(addrs), true
}

func sortAddrs(addrs []netip.Addr) {
	slices.SortFunc(addrs, func(a, b netip.Addr) int {
		if a.Is4() != b.Is4() {
			if a.Is4() {
				return 1
			}
			return -1
		}
		return a.Compare(b)
	})
}

func joinAddrs(addrs []netip.Addr) string {
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = a.String()
	}
	return strings.Join(parts, ";")
}
