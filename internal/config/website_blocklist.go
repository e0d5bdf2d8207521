package config

import (
	"net/url"
	"strings"
	"sync/atomic"
)

// websiteBlocklist holds lowercased hostnames that fetchers never contact.
var websiteBlocklist atomic.Pointer[map[string]struct{}]

func init() {
	empty := map[string]struct{}{}
	websiteBlocklist.Store(&empty)
}

// NormalizeWebsiteBlacklist trims, lowercases and deduplicates host entries.
func NormalizeWebsiteBlacklist(entries []string) []string {
	seen := make(map[string]struct{}, len(entries))
	out := make([]string, 0, len(entries))
	for _, raw := range entries {
		host := hostnameOf(raw)
		if host == "" {
			continue
		}
		if _, dup := seen[host]; dup {
			continue
		}
		seen[host] = struct{}{}
		out = append(out, host)
	}
	return out
}

func updateWebsiteBlocklist(entries []string) {
	set := make(map[string]struct{}, len(entries))
	for _, host := range NormalizeWebsiteBlacklist(entries) {
		set[host] = struct{}{}
	}
	websiteBlocklist.Store(&set)
}

// IsWebsiteBlocked reports whether the URL's host, or any parent domain of it, is blocklisted.
func IsWebsiteBlocked(rawURL string) bool {
	set := *websiteBlocklist.Load()
	if len(set) == 0 {
		return false
	}

	host := hostnameOf(rawURL)
	for host != "" {
		if _, ok := set[host]; ok {
			return true
		}
		dot := strings.IndexByte(host, '.')
		if dot < 0 {
			return false
		}
		host = host[dot+1:]
	}
	return false
}

func hostnameOf(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return ""
	}
	return strings.Trim(strings.ToLower(parsed.Hostname()), ".")
}
