package fetcher

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

var wrapperKeys = []string{"data", "proxies", "items", "results", "list"}

func parseJSON(payload []byte) ([]entry, int, error) {
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, 0, fmt.Errorf("decode json: %w", err)
	}

	records, ok := recordList(doc)
	if !ok {
		return nil, 0, fmt.Errorf("decode json: no record array found")
	}

	var (
		entries []entry
		skipped int
	)
	for _, record := range records {
		e, ok := entryFromJSON(record)
		if !ok {
			skipped++
			continue
		}
		entries = append(entries, e)
	}
	return entries, skipped, nil
}

func recordList(doc any) ([]any, bool) {
	switch v := doc.(type) {
	case []any:
		return v, true
	case map[string]any:
		for _, key := range wrapperKeys {
			if nested, ok := lookup(v, key); ok {
				if list, ok := recordList(nested); ok {
					return list, true
				}
			}
		}
	}
	return nil, false
}

func entryFromJSON(record any) (entry, bool) {
	switch v := record.(type) {
	case string:
		return splitEndpoint(v)
	case map[string]any:
		var e entry
		for _, key := range hostColumns {
			if raw, ok := lookup(v, key); ok {
				e.host = scalarString(raw)
				break
			}
		}
		if raw, ok := lookup(v, "port"); ok {
			e.port = scalarString(raw)
		}
		for _, key := range protocolColumns {
			if raw, ok := lookup(v, key); ok {
				e.protocol = scalarString(raw)
				break
			}
		}
		if e.host == "" {
			return entry{}, false
		}
		if e.port == "" {
			split, ok := splitEndpoint(e.host)
			if !ok {
				return entry{}, false
			}
			if split.protocol == "" {
				split.protocol = e.protocol
			}
			return split, true
		}
		return e, true
	default:
		return entry{}, false
	}
}

func lookup(m map[string]any, key string) (any, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

// scalarString flattens numbers, strings and the first element of an array.
func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case []any:
		if len(t) > 0 {
			return scalarString(t[0])
		}
	}
	return ""
}
