package pac

import (
	"testing"
)

func TestDnsDomainIs(t *testing.T) {
	tests := []struct {
		host, domain string
		want         bool
	}{
		{"www.netscape.com", ".netscape.com", true},
		{"www.NetScape.com", ".netscape.com", true},
		{"www", ".netscape.com", false},
		{"www.mcom.com", ".netscape.com", false},
		{"netscape.com", ".netscape.com", false},
		{"netscape.com", "netscape.com", true},
		{"www.netscape.com", "netscape.com", false},
	}
	for _, tt := range tests {
		if got := dnsDomainIs(tt.host, tt.domain); got != tt.want {
			t.Errorf("dnsDomainIs(%q, %q) = %v, want %v", tt.host, tt.domain, got, tt.want)
		}
	}
}

func TestShExpMatch(t *testing.T) {
	tests := []struct {
		s, pattern string
		want       bool
	}{
		{"http://home.netscape.com/people/ari/index.html", "*/ari/*", true},
		{"http://home.netscape.com/people/montulli/index.html", "*/ari/*", false},
		{"WWW.Example.COM", "*.example.com", true},
		{"a.b", "?.b", true},
		{"ab.b", "?.b", false},
		{"host1", "host[0-9]", true},
		{"hostx", "host[!0-9]", true},
		{"host5", "host[!0-9]", false},
		{"host[", "host[", true},
		{"a+b.example", "a+b.*", true},
		{"münchen.de", "*.de", true},
		{"", "*", true},
	}
	for _, tt := range tests {
		if got := shExpMatch(tt.s, tt.pattern); got != tt.want {
			t.Errorf("shExpMatch(%q, %q) = %v, want %v", tt.s, tt.pattern, got, tt.want)
		}
	}
}

func TestShExpMatchCachesPatterns(t *testing.T) {
	const pattern = "*.cached.example"
	globCache.Remove(pattern)

	if !shExpMatch("a.cached.example", pattern) {
		t.Fatal("first match failed")
	}
	first, ok := globCache.Peek(pattern)
	if !ok || first == nil {
		t.Fatalf("pattern not cached after first call")
	}
	if shExpMatch("a.other.example", pattern) {
		t.Error("cached pattern matched a different domain")
	}
	if !shExpMatch("B.CACHED.EXAMPLE", pattern) {
		t.Error("cached pattern lost case folding")
	}
	if again, _ := globCache.Peek(pattern); again != first {
		t.Error("pattern recompiled on a later call")
	}
}

func TestLocalHostOrDomainIs(t *testing.T) {
	tests := []struct {
		host, hostdom string
		want          bool
	}{
		{"www.netscape.com", "www.netscape.com", true},
		{"www", "www.netscape.com", true},
		{"WWW", "www.netscape.com", true},
		{"www.mcom.com", "www.netscape.com", false},
		{"home.netscape.com", "www.netscape.com", false},
	}
	for _, tt := range tests {
		if got := localHostOrDomainIs(tt.host, tt.hostdom); got != tt.want {
			t.Errorf("localHostOrDomainIs(%q, %q) = %v, want %v", tt.host, tt.hostdom, got, tt.want)
		}
	}
}

func TestDomainLevels(t *testing.T) {
	if got := dnsDomainLevels("www.netscape.com"); got != 2 {
		t.Errorf("dnsDomainLevels = %d, want 2", got)
	}
	if got := dnsDomainLevels("www"); got != 0 {
		t.Errorf("dnsDomainLevels = %d, want 0", got)
	}
	if !isPlainHostName("www") || isPlainHostName("www.netscape.com") {
		t.Errorf("isPlainHostName misclassifies hosts")
	}
}

func TestIPv4InNet(t *testing.T) {
	tests := []struct {
		ip, pattern, mask string
		want              bool
	}{
		{"198.95.249.79", "198.95.249.79", "255.255.255.255", true},
		{"198.95.6.8", "198.95.0.0", "255.255.0.0", true},
		{"198.96.6.8", "198.95.0.0", "255.255.0.0", false},
		{"10.1.2.3", "10.0.0.0", "255.0.0.0", true},
		{"10.1.2.3", "10.0.0.0", "not-a-mask", false},
		{"2001:db8::1", "2001:db8::", "ffff::", false},
		{"garbage", "10.0.0.0", "255.0.0.0", false},
	}
	for _, tt := range tests {
		if got := ipv4InNet(tt.ip, tt.pattern, tt.mask); got != tt.want {
			t.Errorf("ipv4InNet(%q, %q, %q) = %v, want %v", tt.ip, tt.pattern, tt.mask, got, tt.want)
		}
	}
}

func TestSortIPAddressList(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"10.2.3.9;2001:4898:28:3:201:2ff:feea:fc14;::1;127.0.0.1;::9", "::1;::9;2001:4898:28:3:201:2ff:feea:fc14;10.2.3.9;127.0.0.1", true},
		{"10.0.0.2; 10.0.0.1", "10.0.0.1;10.0.0.2", true},
		{"10.0.0.1;nonsense", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := sortIPAddressList(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("sortIPAddressList(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}
