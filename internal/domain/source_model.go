package domain

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// SourceKind selects the parsing strategy used for a Source's payload.
type SourceKind string

const (
	SourceKindPlainText    SourceKind = "plain-text"
	SourceKindDelimited    SourceKind = "delimited"
	SourceKindJSONAPI      SourceKind = "json-api"
	SourceKindHTMLTable    SourceKind = "html-table"
	SourceKindRenderedHTML SourceKind = "rendered-html"
)

// SourceKinds is the closed set of parsing strategies a Source may name.
var SourceKinds = []SourceKind{
	SourceKindPlainText,
	SourceKindDelimited,
	SourceKindJSONAPI,
	SourceKindHTMLTable,
	SourceKindRenderedHTML,
}

func (k SourceKind) Valid() bool {
	for _, known := range SourceKinds {
		if k == known {
			return true
		}
	}
	return false
}

type Source struct {
	ID                uint64       `gorm:"primaryKey;autoIncrement"`
	Name              string       `gorm:"size:128;not null;uniqueIndex"`
	URI               string       `gorm:"not null"`
	URIPredefinedType SourceKind   `gorm:"column:uri_predefined_type;size:32;not null"`
	Protocol          Protocol     `gorm:"size:8;not null;default:''"` // claim applied to candidates that carry none
	Health            SourceHealth `gorm:"embedded"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

type SourceHealth struct {
	TotalConnAttempts  uint64     `gorm:"column:total_conn_attempts;not null;default:0"`
	FailedConnAttempts uint64     `gorm:"column:failed_conn_attempts;not null;default:0"`
	LastUsed           *time.Time `gorm:"column:last_used;index"`
}

// Validate checks the administrator supplied fields.
func (s Source) Validate() error {
	var errs []error

	if strings.TrimSpace(s.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if !s.URIPredefinedType.Valid() {
		errs = append(errs, fmt.Errorf("unknown predefined type %q", s.URIPredefinedType))
	}
	if s.Protocol != ProtocolUnknown && !s.Protocol.Canonical().Known() {
		errs = append(errs, fmt.Errorf("unknown protocol %q", s.Protocol))
	}

	parsed, err := url.Parse(strings.TrimSpace(s.URI))
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("uri: %w", err))
	case parsed.Scheme != "http" && parsed.Scheme != "https":
		errs = append(errs, fmt.Errorf("uri %q must use http or https", s.URI))
	case parsed.Host == "":
		errs = append(errs, fmt.Errorf("uri %q has no host", s.URI))
	}

	if len(errs) > 0 {
		return fmt.Errorf("source %q: %w", s.Name, errors.Join(errs...))
	}
	return nil
}
