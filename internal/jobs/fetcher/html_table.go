package fetcher

import (
	"bytes"
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"proxyharvest/internal/domain"
)

var (
	ipv4Pattern     = regexp.MustCompile(`^\d{1,3}(?:\.\d{1,3}){3}$`)
	endpointPattern = regexp.MustCompile(`\b(\d{1,3}(?:\.\d{1,3}){3})\s*:\s*(\d{1,5})\b`)
)

func parseHTMLTable(payload []byte) ([]entry, int, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("parse html: %w", err)
	}
	entries, skipped := tableEntries(doc)
	return entries, skipped, nil
}

// parseRenderedHTML reads tables first and falls back to scanning the page
// text for ip:port pairs, which covers lists rendered into plain blocks.
func parseRenderedHTML(payload []byte) ([]entry, int, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("parse html: %w", err)
	}
	entries, skipped := tableEntries(doc)
	if len(entries) > 0 {
		return entries, skipped, nil
	}

	for _, match := range endpointPattern.FindAllStringSubmatch(doc.Text(), -1) {
		entries = append(entries, entry{host: match[1], port: match[2]})
	}
	return entries, skipped, nil
}

func tableEntries(doc *goquery.Document) ([]entry, int) {
	var (
		entries []entry
		skipped int
	)
	doc.Find("table tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td, th").Map(func(_ int, cell *goquery.Selection) string {
			return strings.TrimSpace(cell.Text())
		})
		e, found, ok := entryFromRow(cells)
		if !found {
			return
		}
		if !ok {
			skipped++
			return
		}
		entries = append(entries, e)
	})
	return entries, skipped
}

// entryFromRow reports found=false for rows without any address (headers,
// adverts) so they are not counted as skipped.
func entryFromRow(cells []string) (e entry, found bool, ok bool) {
	hostIdx := -1
	for i, text := range cells {
		if looksLikeIP(text) {
			hostIdx = i
			e.host = text
			break
		}
		if split, valid := splitEndpoint(text); valid && looksLikeIP(split.host) {
			hostIdx = i
			e = split
			break
		}
	}
	if hostIdx < 0 {
		return entry{}, false, false
	}

	if e.port == "" {
		for _, text := range cells[hostIdx+1:] {
			if _, err := strconv.Atoi(text); err == nil {
				e.port = text
				break
			}
		}
	}
	if e.port == "" {
		return entry{}, true, false
	}

	if e.protocol == "" {
		for _, text := range cells {
			if _, known := domain.ParseProtocol(text); known {
				e.protocol = text
				break
			}
		}
	}
	return e, true, true
}

func looksLikeIP(text string) bool {
	if ipv4Pattern.MatchString(text) {
		return true
	}
	addr, err := netip.ParseAddr(text)
	return err == nil && addr.Is6()
}
