package checker

import "proxyharvest/internal/domain"

// guessOrder ranks protocols by what is usually served on port.
func guessOrder(port int) []domain.Protocol {
	switch port {
	case 443, 8443, 9443:
		return []domain.Protocol{domain.ProtocolHTTPS, domain.ProtocolHTTP, domain.ProtocolSOCKS5, domain.ProtocolSOCKS4}
	case 80, 8080, 3128, 8000, 8888:
		return []domain.Protocol{domain.ProtocolHTTP, domain.ProtocolHTTPS, domain.ProtocolSOCKS5, domain.ProtocolSOCKS4}
	case 1080, 9050:
		return []domain.Protocol{domain.ProtocolSOCKS5, domain.ProtocolSOCKS4, domain.ProtocolHTTP, domain.ProtocolHTTPS}
	case 4145:
		return []domain.Protocol{domain.ProtocolSOCKS4, domain.ProtocolSOCKS5, domain.ProtocolHTTP, domain.ProtocolHTTPS}
	default:
		return []domain.Protocol{domain.ProtocolHTTP, domain.ProtocolHTTPS, domain.ProtocolSOCKS5, domain.ProtocolSOCKS4}
	}
}

// protocolOrder puts the claimed protocol first, followed by the port guess.
func protocolOrder(c domain.Candidate) []domain.Protocol {
	order := guessOrder(c.Port)
	claim := c.Protocol.Canonical()
	if claim == domain.ProtocolUnknown {
		return order
	}

	out := make([]domain.Protocol, 0, len(order))
	out = append(out, claim)
	for _, p := range order {
		if p != claim {
			out = append(out, p)
		}
	}
	return out
}
