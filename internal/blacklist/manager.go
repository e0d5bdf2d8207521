package blacklist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"proxyharvest/internal/config"
	"proxyharvest/internal/support"
)

const (
	maxResponseBytes = 10 << 20 // 10 MiB safety cap
	refreshLockKey   = "proxyharvest:leader:blacklist_refresh"
)

var ipRegex = regexp.MustCompile(`\b\d{1,3}(?:\.\d{1,3}){3}(?:/\d{1,2})?\b`)

// Flagger marks stored proxies whose IP became blacklisted.
type Flagger interface {
	FlagProxiesMatching(ctx context.Context, match func(ip string) bool) (int64, error)
}

// Set is an immutable collection of blocked addresses and networks.
type Set struct {
	addrs    map[netip.Addr]struct{}
	prefixes []netip.Prefix
}

func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.addrs) + len(s.prefixes)
}

func (s *Set) Contains(addr netip.Addr) bool {
	if s == nil || !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	if _, found := s.addrs[addr]; found {
		return true
	}
	for _, prefix := range s.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

type RefreshOutcome struct {
	Sources        int
	FailedSources  int
	Entries        int
	ProxiesFlagged int64
}

// Manager keeps the current blacklist in memory and refreshes it from the
// configured sources.
type Manager struct {
	current atomic.Pointer[Set]
	flagger Flagger
	client  *http.Client
	group   singleflight.Group
}

func NewManager(flagger Flagger) *Manager {
	m := &Manager{
		flagger: flagger,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	m.current.Store(&Set{})
	return m
}

// Blocked reports whether addr is covered by the last successful refresh.
func (m *Manager) Blocked(addr netip.Addr) bool {
	if m == nil {
		return false
	}
	return m.current.Load().Contains(addr)
}

func (m *Manager) Replace(set *Set) {
	if set == nil {
		set = &Set{}
	}
	m.current.Store(set)
}

// StartRefreshRoutine runs the blacklist refresh loop with dynamic rescheduling.
func (m *Manager) StartRefreshRoutine(ctx context.Context) {
	updates := config.BlacklistIntervalUpdates()
	err := support.RunExclusive(ctx, refreshLockKey, func(leaderCtx context.Context) {
		m.runRefreshLoop(leaderCtx, config.GetBlacklistRefreshInterval(), updates)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Blacklist refresh routine stopped", "error", err)
	}
}

func (m *Manager) runRefreshLoop(ctx context.Context, current time.Duration, updates <-chan time.Duration) {
	ticker := time.NewTicker(current)
	defer ticker.Stop()

	m.triggerRefresh(ctx, "startup")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.triggerRefresh(ctx, "scheduled")
		case newInterval := <-updates:
			if newInterval <= 0 || newInterval == current {
				continue
			}
			support.DrainTicker(ticker)
			current = newInterval
			ticker.Reset(current)
		}
	}
}

func (m *Manager) triggerRefresh(ctx context.Context, reason string) {
	outcome, err := m.Refresh(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("Blacklist refresh canceled", "reason", reason)
		} else {
			log.Error("Blacklist refresh failed", "reason", reason, "error", err)
		}
		return
	}

	log.Info("Blacklist refresh completed",
		"reason", reason,
		"sources", outcome.Sources,
		"failed_sources", outcome.FailedSources,
		"entries", outcome.Entries,
		"proxies_flagged", outcome.ProxiesFlagged,
	)
}

// Refresh downloads all configured blacklist sources and swaps in the merged set.
// When every source fails the previous set stays active.
func (m *Manager) Refresh(ctx context.Context) (*RefreshOutcome, error) {
	result, err, _ := m.group.Do("refresh", func() (any, error) {
		return m.doRefresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.(*RefreshOutcome), nil
}

func (m *Manager) doRefresh(ctx context.Context) (*RefreshOutcome, error) {
	sources := config.GetConfig().BlacklistSources
	outcome := &RefreshOutcome{Sources: len(sources)}

	if len(sources) == 0 {
		m.Replace(&Set{})
		return outcome, nil
	}

	var payloads [][]byte
	for _, src := range sources {
		payload, err := m.fetch(ctx, src)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			log.Warn("Blacklist fetch failed", "source", src, "error", err)
			outcome.FailedSources++
			continue
		}
		payloads = append(payloads, payload)
	}

	if len(payloads) == 0 {
		return nil, fmt.Errorf("blacklist: all %d sources failed", len(sources))
	}

	set := Parse(payloads...)
	m.Replace(set)
	outcome.Entries = set.Len()

	if m.flagger != nil && set.Len() > 0 {
		flagged, err := m.flagger.FlagProxiesMatching(ctx, func(ip string) bool {
			addr, err := netip.ParseAddr(ip)
			return err == nil && set.Contains(addr)
		})
		if err != nil {
			return nil, err
		}
		outcome.ProxiesFlagged = flagged
	}

	return outcome, nil
}

func (m *Manager) fetch(ctx context.Context, source string) ([]byte, error) {
	if config.IsWebsiteBlocked(source) {
		return nil, fmt.Errorf("blacklist source blocked: %s", source)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return content, nil
}

// Parse extracts addresses and CIDR networks from blocklist payloads. Lines may
// carry comments after '#' or ';'. IPv4 entries embedded in free text are
// picked up as well.
func Parse(payloads ...[]byte) *Set {
	set := &Set{addrs: make(map[netip.Addr]struct{})}
	seenPrefix := make(map[netip.Prefix]struct{})

	add := func(token string) bool {
		if strings.Contains(token, "/") {
			prefix, err := netip.ParsePrefix(token)
			if err != nil {
				return false
			}
			prefix = prefix.Masked()
			if prefix.Bits() == prefix.Addr().BitLen() {
				set.addrs[prefix.Addr().Unmap()] = struct{}{}
				return true
			}
			if _, dup := seenPrefix[prefix]; !dup {
				seenPrefix[prefix] = struct{}{}
				set.prefixes = append(set.prefixes, prefix)
			}
			return true
		}
		addr, err := netip.ParseAddr(token)
		if err != nil {
			return false
		}
		set.addrs[addr.Unmap()] = struct{}{}
		return true
	}

	for _, payload := range payloads {
		for rest := payload; len(rest) > 0; {
			var raw []byte
			raw, rest, _ = bytes.Cut(rest, []byte{'\n'})
			line := string(raw)
			if idx := strings.IndexAny(line, "#;"); idx >= 0 {
				line = line[:idx]
			}
			matched := false
			for _, field := range strings.FieldsFunc(line, isSeparator) {
				if add(field) {
					matched = true
				}
			}
			if matched {
				continue
			}
			for _, match := range ipRegex.FindAllString(line, -1) {
				add(match)
			}
		}
	}

	return set
}

func isSeparator(r rune) bool {
	return r == ' ' || r == '\t' || r == ',' || r == '\r'
}
