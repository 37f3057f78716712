package wpad

import (
	"bufio"
	"strings"
)

// parseScutilProxy reads the top-level "key : value" pairs printed by
// `scutil --proxy`. Nested arrays and dictionaries are skipped.
func parseScutilProxy(out string) map[string]string {
	settings := make(map[string]string)
	depth := 0
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
			continue
		case strings.HasSuffix(line, "{"):
			depth++
			if depth == 1 {
				continue
			}
		case line == "}":
			depth--
			continue
		}
		if depth != 1 {
			continue
		}
		key, value, ok := strings.Cut(line, " : ")
		if !ok {
			continue
		}
		settings[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return settings
}

// autoconfigFromProxySettings returns the PAC URL only when automatic
// configuration is enabled, a URL is set and auto-discovery is off.
func autoconfigFromProxySettings(settings map[string]string) string {
	enabled, ok := settings["ProxyAutoConfigEnable"]
	if !ok || enabled == "0" {
		return ""
	}
	pacURL := settings["ProxyAutoConfigURLString"]
	if pacURL == "" {
		return ""
	}
	if discovery := settings["ProxyAutoDiscoveryEnable"]; discovery != "" && discovery != "0" {
		return ""
	}
	return pacURL
}
