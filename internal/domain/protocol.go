package domain

import "strings"

// Protocol is the proxy protocol a candidate claims or a probe confirmed.
type Protocol string

const (
	ProtocolUnknown Protocol = ""
	ProtocolHTTP    Protocol = "http"
	ProtocolHTTPS   Protocol = "https"
	ProtocolSOCKS4  Protocol = "socks4"
	ProtocolSOCKS5  Protocol = "socks5"
)

// AllProtocols lists every protocol the prober can confirm.
var AllProtocols = []Protocol{ProtocolHTTP, ProtocolHTTPS, ProtocolSOCKS4, ProtocolSOCKS5}

// ParseProtocol maps loose source spellings onto a Protocol. Unrecognised
// input yields ProtocolUnknown and false.
func ParseProtocol(raw string) (Protocol, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "http":
		return ProtocolHTTP, true
	case "https", "ssl", "connect":
		return ProtocolHTTPS, true
	case "socks4", "socks4a", "s4":
		return ProtocolSOCKS4, true
	case "socks5", "socks5h", "socks", "s5":
		return ProtocolSOCKS5, true
	default:
		return ProtocolUnknown, false
	}
}

// Known reports whether p is one of the canonical protocol constants.
func (p Protocol) Known() bool {
	switch p {
	case ProtocolHTTP, ProtocolHTTPS, ProtocolSOCKS4, ProtocolSOCKS5:
		return true
	default:
		return false
	}
}

// Canonical maps any accepted spelling onto its constant and everything else
// onto ProtocolUnknown.
func (p Protocol) Canonical() Protocol {
	canonical, _ := ParseProtocol(string(p))
	return canonical
}

func (p Protocol) String() string {
	if p == ProtocolUnknown {
		return "unknown"
	}
	return string(p)
}
