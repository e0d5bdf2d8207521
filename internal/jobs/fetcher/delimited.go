package fetcher

import (
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"strconv"
	"strings"

	"proxyharvest/internal/domain"
)

var (
	hostColumns     = []string{"ip", "host", "address", "ip_address", "ipaddress", "server"}
	portColumns     = []string{"port"}
	protocolColumns = []string{"protocol", "type", "scheme", "protocols"}
)

func detectDelimiter(payload []byte) rune {
	firstLine, _, _ := bytes.Cut(payload, []byte("\n"))
	best, bestCount := ',', 0
	for _, d := range []rune{',', '\t', ';', '|'} {
		if n := bytes.Count(firstLine, []byte(string(d))); n > bestCount {
			best, bestCount = d, n
		}
	}
	return best
}

type columnLayout struct {
	host, port, protocol int
}

func layoutFromHeader(record []string) (columnLayout, bool) {
	layout := columnLayout{host: -1, port: -1, protocol: -1}
	for i, name := range record {
		name = strings.ToLower(strings.TrimSpace(name))
		switch {
		case layout.host < 0 && contains(hostColumns, name):
			layout.host = i
		case layout.port < 0 && contains(portColumns, name):
			layout.port = i
		case layout.protocol < 0 && contains(protocolColumns, name):
			layout.protocol = i
		}
	}
	return layout, layout.host >= 0
}

func parseDelimited(payload []byte) ([]entry, int, error) {
	reader := csv.NewReader(bytes.NewReader(payload))
	reader.Comma = detectDelimiter(payload)
	reader.Comment = '#'
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	var (
		entries []entry
		skipped int
		layout  = columnLayout{host: 0, port: 1, protocol: 2}
		first   = true
	)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				skipped++
				continue
			}
			return nil, skipped, err
		}

		if first {
			first = false
			if header, ok := layoutFromHeader(record); ok {
				layout = header
				continue
			}
		}

		e, ok := entryFromRecord(record, layout)
		if !ok {
			skipped++
			continue
		}
		entries = append(entries, e)
	}
	return entries, skipped, nil
}

func entryFromRecord(record []string, layout columnLayout) (entry, bool) {
	field := func(i int) string {
		if i < 0 || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	host, port, protocol := field(layout.host), field(layout.port), field(layout.protocol)
	if split, ok := splitEndpoint(host); ok && isNumeric(split.port) {
		if split.protocol == "" {
			split.protocol = protocol
		}
		if _, known := domain.ParseProtocol(port); split.protocol == "" && known {
			split.protocol = port
		}
		return split, true
	}
	if host == "" || port == "" {
		return entry{}, false
	}
	return entry{host: host, port: port, protocol: protocol}, true
}

func isNumeric(s string) bool {
	_, err := strconv.Atoi(s)
	return err == nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
