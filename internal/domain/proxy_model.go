package domain

import (
	"net"
	"strconv"
	"time"
)

// Proxy is a previously confirmed endpoint, unique on (IP, Port).
type Proxy struct {
	ID       uint64   `gorm:"primaryKey;autoIncrement"`
	IP       string   `gorm:"size:45;not null;uniqueIndex:idx_proxy_identity,priority:1"`
	Port     uint16   `gorm:"not null;uniqueIndex:idx_proxy_identity,priority:2"`
	Protocol Protocol `gorm:"size:8;not null;index"`

	GeoAddress GeoAddress   `gorm:"embedded;embeddedPrefix:geo_"`
	Health     HealthRecord `gorm:"embedded"`

	MarkedForRemoval bool `gorm:"column:marked_for_removal;not null;default:false;index"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// GeoAddress is empty when the lookup failed or was never attempted.
type GeoAddress struct {
	CountryISOCode string  `gorm:"column:country_iso_code;size:2;index"`
	CountryName    string  `gorm:"column:country_name;size:64"`
	Region         string  `gorm:"column:region;size:128"`
	City           string  `gorm:"column:city;size:128"`
	Latitude       float64 `gorm:"column:latitude;default:0"`
	Longitude      float64 `gorm:"column:longitude;default:0"`
}

func (g GeoAddress) Resolved() bool {
	return g.CountryISOCode != ""
}

type HealthRecord struct {
	LatencyMs           int64     `gorm:"column:latency;not null;default:0"`
	LastTested          time.Time `gorm:"column:last_tested;index"`
	ConsecutiveFailures uint32    `gorm:"column:consecutive_failures;not null;default:0"`
}

func (p Proxy) Address() string {
	return net.JoinHostPort(p.IP, strconv.Itoa(int(p.Port)))
}
