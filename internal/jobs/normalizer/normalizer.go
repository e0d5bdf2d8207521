package normalizer

import (
	"net/netip"
	"strconv"
	"strings"

	"proxyharvest/internal/domain"
)

var cgnat = netip.MustParsePrefix("100.64.0.0/10")

// Blocklist reports addresses that must never become candidates.
type Blocklist interface {
	Blocked(addr netip.Addr) bool
}

// Stats are the observability counters of one Normalize pass.
type Stats struct {
	Input      int `json:"input"`
	Invalid    int `json:"invalid"`
	Blocked    int `json:"blocked"`
	Duplicates int `json:"duplicates"`
	Output     int `json:"output"`
}

// Normalize canonicalizes every candidate and returns one candidate per
// (ip, port) in first-seen order. A duplicate replaces the protocol of the
// kept entry only when the kept entry carries no claim.
func Normalize(candidates []domain.Candidate, blocklist Blocklist) ([]domain.Candidate, Stats) {
	stats := Stats{Input: len(candidates)}
	out := make([]domain.Candidate, 0, len(candidates))
	index := make(map[string]int, len(candidates))

	for _, c := range candidates {
		addr, ok := CanonicalAddr(c.IP)
		if !ok || c.Port < 1 || c.Port > 65535 || !routable(addr) {
			stats.Invalid++
			continue
		}
		if blocklist != nil && blocklist.Blocked(addr) {
			stats.Blocked++
			continue
		}

		c.IP = addr.String()
		c.Protocol = c.Protocol.Canonical()

		key := c.Key()
		if i, seen := index[key]; seen {
			stats.Duplicates++
			if out[i].Protocol == domain.ProtocolUnknown && c.Protocol != domain.ProtocolUnknown {
				out[i].Protocol = c.Protocol
				out[i].Source = c.Source
			}
			continue
		}

		index[key] = len(out)
		out = append(out, c)
	}

	stats.Output = len(out)
	return out, stats
}

// CanonicalAddr parses raw into an unmapped address. IPv4 octets with
// leading zeros are accepted and read as decimal. Zoned addresses are rejected.
func CanonicalAddr(raw string) (netip.Addr, bool) {
	raw = strings.Trim(strings.TrimSpace(raw), "[]")
	if raw == "" {
		return netip.Addr{}, false
	}

	addr, err := netip.ParseAddr(raw)
	if err != nil {
		stripped, ok := stripLeadingZeros(raw)
		if !ok {
			return netip.Addr{}, false
		}
		if addr, err = netip.ParseAddr(stripped); err != nil {
			return netip.Addr{}, false
		}
	}
	if addr.Zone() != "" {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func stripLeadingZeros(raw string) (string, bool) {
	parts := strings.Split(raw, ".")
	if len(parts) != 4 {
		return "", false
	}
	for i, part := range parts {
		if part == "" || len(part) > 3 {
			return "", false
		}
		n, err := strconv.Atoi(part)
		if err != nil || n > 255 {
			return "", false
		}
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, "."), true
}

func routable(addr netip.Addr) bool {
	switch {
	case !addr.IsValid(),
		addr.IsUnspecified(),
		addr.IsLoopback(),
		addr.IsPrivate(),
		addr.IsLinkLocalUnicast(),
		addr.IsLinkLocalMulticast(),
		addr.IsInterfaceLocalMulticast(),
		addr.IsMulticast(),
		cgnat.Contains(addr):
		return false
	}
	if addr.Is4() && addr.As4()[0] == 0 {
		return false
	}
	if addr.Is4() && addr == netip.AddrFrom4([4]byte{255, 255, 255, 255}) {
		return false
	}
	return true
}
