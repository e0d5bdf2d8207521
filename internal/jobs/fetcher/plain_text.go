package fetcher

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"strings"
)

// maxLineBytes bounds one plain-text record; longer lines are skipped.
const maxLineBytes = 64 * 1024

func parsePlainText(payload []byte) ([]entry, int, error) {
	reader := bufio.NewReaderSize(bytes.NewReader(payload), maxLineBytes)

	var (
		entries []entry
		skipped int
	)
	for {
		raw, err := reader.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			skipped++
			for errors.Is(err, bufio.ErrBufferFull) {
				_, err = reader.ReadSlice('\n')
			}
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return entries, skipped, err
			}
			continue
		}

		line := strings.TrimSpace(string(raw))
		if line != "" && !strings.HasPrefix(line, "#") {
			if e, ok := splitEndpoint(line); ok {
				entries = append(entries, e)
			} else {
				skipped++
			}
		}

		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return entries, skipped, err
		}
	}
	return entries, skipped, nil
}

// splitEndpoint reads "ip:port", "[v6]:port", "scheme://ip:port" and
// "user:pass@ip:port". Trailing whitespace separated fields are ignored.
func splitEndpoint(raw string) (entry, bool) {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return entry{}, false
	}
	token := fields[0]

	var e entry
	if scheme, rest, found := strings.Cut(token, "://"); found {
		e.protocol = scheme
		token = rest
	}
	if at := strings.LastIndex(token, "@"); at >= 0 {
		token = token[at+1:]
	}
	token = strings.TrimRight(token, "/")

	host, port, err := net.SplitHostPort(token)
	if err != nil {
		if len(fields) > 1 {
			host, port = token, fields[1]
		} else {
			return entry{}, false
		}
	}
	if host == "" || port == "" {
		return entry{}, false
	}
	e.host, e.port = host, port
	return e, true
}
