package dto

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"proxyharvest/internal/database"
	"proxyharvest/internal/domain"
)

type Page[T any] struct {
	Items []T   `json:"items"`
	Total int64 `json:"total"`
}

// ParseProxyQuery reads limit, offset, country_code and protocol from a listing request.
func ParseProxyQuery(values url.Values) (database.ProxyFilter, error) {
	filter := database.ProxyFilter{Limit: database.DefaultPageSize}
	var errs []error

	if raw := strings.TrimSpace(values.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		switch {
		case err != nil || limit < 1:
			errs = append(errs, fmt.Errorf("limit must be a positive integer, got %q", raw))
		case limit > database.MaxPageSize:
			errs = append(errs, fmt.Errorf("limit must not exceed %d", database.MaxPageSize))
		default:
			filter.Limit = limit
		}
	}

	if raw := strings.TrimSpace(values.Get("offset")); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			errs = append(errs, fmt.Errorf("offset must be a non-negative integer, got %q", raw))
		} else {
			filter.Offset = offset
		}
	}

	if raw := strings.TrimSpace(values.Get("country_code")); raw != "" {
		if len(raw) != 2 {
			errs = append(errs, fmt.Errorf("country_code must be an ISO 3166-1 alpha-2 code, got %q", raw))
		} else {
			filter.CountryCode = strings.ToUpper(raw)
		}
	}

	if raw := strings.TrimSpace(values.Get("protocol")); raw != "" {
		protocol, ok := domain.ParseProtocol(raw)
		if !ok {
			errs = append(errs, fmt.Errorf("unknown protocol %q", raw))
		} else {
			filter.Protocol = protocol
		}
	}

	return filter, errors.Join(errs...)
}
