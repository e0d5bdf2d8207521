package dto

import (
	"time"

	"proxyharvest/internal/domain"
)

type ProxyInfo struct {
	IP         string          `json:"ip"`
	Port       uint16          `json:"port"`
	Protocol   string          `json:"protocol"`
	GeoAddress *GeoAddressInfo `json:"geoaddress"`
	Health     ProxyHealth     `json:"health"`
}

type GeoAddressInfo struct {
	CountryISOCode string   `json:"country_iso_code"`
	CountryName    string   `json:"country_name,omitempty"`
	Region         string   `json:"region,omitempty"`
	City           string   `json:"city,omitempty"`
	Latitude       *float64 `json:"latitude,omitempty"`
	Longitude      *float64 `json:"longitude,omitempty"`
}

type ProxyHealth struct {
	Latency             int64     `json:"latency"`
	LastTested          time.Time `json:"last_tested"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
}

// NewProxyInfo maps a stored proxy onto the listing shape. An unresolved
// GeoAddress serializes as null.
func NewProxyInfo(p domain.Proxy) ProxyInfo {
	info := ProxyInfo{
		IP:       p.IP,
		Port:     p.Port,
		Protocol: string(p.Protocol),
		Health: ProxyHealth{
			Latency:             p.Health.LatencyMs,
			LastTested:          p.Health.LastTested,
			ConsecutiveFailures: p.Health.ConsecutiveFailures,
		},
	}

	if p.GeoAddress.Resolved() {
		geo := &GeoAddressInfo{
			CountryISOCode: p.GeoAddress.CountryISOCode,
			CountryName:    p.GeoAddress.CountryName,
			Region:         p.GeoAddress.Region,
			City:           p.GeoAddress.City,
		}
		if p.GeoAddress.Latitude != 0 || p.GeoAddress.Longitude != 0 {
			lat, lon := p.GeoAddress.Latitude, p.GeoAddress.Longitude
			geo.Latitude, geo.Longitude = &lat, &lon
		}
		info.GeoAddress = geo
	}

	return info
}

func NewProxyInfos(proxies []domain.Proxy) []ProxyInfo {
	out := make([]ProxyInfo, 0, len(proxies))
	for _, p := range proxies {
		out = append(out, NewProxyInfo(p))
	}
	return out
}
