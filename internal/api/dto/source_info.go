package dto

import (
	"time"

	"proxyharvest/internal/domain"
)

type SourceInfo struct {
	Name              string       `json:"name"`
	URI               string       `json:"uri"`
	URIPredefinedType string       `json:"uri_predefined_type"`
	Health            SourceHealth `json:"health"`
}

type SourceHealth struct {
	TotalConnAttempts  uint64     `json:"total_conn_attempts"`
	FailedConnAttempts uint64     `json:"failed_conn_attempts"`
	LastUsed           *time.Time `json:"last_used"`
}

func NewSourceInfo(s domain.Source) SourceInfo {
	return SourceInfo{
		Name:              s.Name,
		URI:               s.URI,
		URIPredefinedType: string(s.URIPredefinedType),
		Health: SourceHealth{
			TotalConnAttempts:  s.Health.TotalConnAttempts,
			FailedConnAttempts: s.Health.FailedConnAttempts,
			LastUsed:           s.Health.LastUsed,
		},
	}
}

func NewSourceInfos(sources []domain.Source) []SourceInfo {
	out := make([]SourceInfo, 0, len(sources))
	for _, s := range sources {
		out = append(out, NewSourceInfo(s))
	}
	return out
}
