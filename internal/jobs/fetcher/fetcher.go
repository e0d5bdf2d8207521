package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"proxyharvest/internal/config"
	"proxyharvest/internal/domain"
)

const maxPayloadBytes = 16 << 20

// ErrPayloadTooLarge is returned when a source body exceeds the download cap.
var ErrPayloadTooLarge = errors.New("payload exceeds 16 MiB")

// entry is one raw endpoint extracted from a payload before typing.
type entry struct {
	host     string
	port     string
	protocol string
}

// strategy is the closed set of per-kind behaviours. load fetches the raw
// payload, parse turns it into entries and a count of skipped records.
type strategy struct {
	load  func(f *Fetcher, ctx context.Context, uri string) ([]byte, error)
	parse func(payload []byte) ([]entry, int, error)
}

var strategies = map[domain.SourceKind]strategy{
	domain.SourceKindPlainText:    {load: (*Fetcher).download, parse: parsePlainText},
	domain.SourceKindDelimited:    {load: (*Fetcher).download, parse: parseDelimited},
	domain.SourceKindJSONAPI:      {load: (*Fetcher).download, parse: parseJSON},
	domain.SourceKindHTMLTable:    {load: (*Fetcher).download, parse: parseHTMLTable},
	domain.SourceKindRenderedHTML: {load: (*Fetcher).render, parse: parseRenderedHTML},
}

// Result is the outcome of one successful source fetch.
type Result struct {
	Candidates []domain.Candidate
	Skipped    int
}

// Renderer loads a page in a real browser and returns the resulting HTML.
type Renderer interface {
	Render(ctx context.Context, url string) (string, error)
}

type Options struct {
	Timeout       time.Duration
	UserAgent     string
	RespectRobots bool
	Client        *http.Client
	Renderer      Renderer
}

// OptionsFromConfig maps the fetcher settings onto Options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Timeout:       cfg.FetchTimeout(),
		UserAgent:     cfg.Fetcher.UserAgent,
		RespectRobots: cfg.Fetcher.RespectRobots,
	}
}

type Fetcher struct {
	opts   Options
	client *http.Client
	robots *robotsGuard
}

func New(opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = "proxyharvest-fetcher/1.0"
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}

	return &Fetcher{
		opts:   opts,
		client: client,
		robots: newRobotsGuard(client, opts.UserAgent),
	}
}

// Supports reports whether kind maps to a registered strategy.
func Supports(kind domain.SourceKind) bool {
	_, ok := strategies[kind]
	return ok
}

// Fetch downloads and parses one source. Every failure is a *domain.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, src domain.Source) (Result, error) {
	strat, ok := strategies[src.URIPredefinedType]
	if !ok {
		return Result{}, &domain.FetchError{
			Kind:   domain.FetchParseFailure,
			Source: src.Name,
			Err:    fmt.Errorf("no strategy for predefined type %q", src.URIPredefinedType),
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	payload, err := strat.load(f, fetchCtx, src.URI)
	if err != nil {
		kind := domain.FetchNetwork
		if errors.Is(err, ErrPayloadTooLarge) {
			kind = domain.FetchParseFailure
		}
		return Result{}, &domain.FetchError{Kind: kind, Source: src.Name, Err: err}
	}

	entries, skipped, err := strat.parse(payload)
	if err != nil {
		return Result{}, &domain.FetchError{Kind: domain.FetchParseFailure, Source: src.Name, Err: err}
	}

	candidates := make([]domain.Candidate, 0, len(entries))
	for _, e := range entries {
		c, ok := toCandidate(e, src)
		if !ok {
			skipped++
			continue
		}
		candidates = append(candidates, c)
	}

	if len(candidates) == 0 {
		if skipped > 0 {
			return Result{Skipped: skipped}, &domain.FetchError{
				Kind:   domain.FetchParseFailure,
				Source: src.Name,
				Err:    fmt.Errorf("all %d records unparsable", skipped),
			}
		}
		return Result{}, &domain.FetchError{Kind: domain.FetchEmptyResult, Source: src.Name}
	}

	if skipped > 0 {
		log.Debug("Skipped unparsable records", "source", src.Name, "skipped", skipped)
	}
	return Result{Candidates: candidates, Skipped: skipped}, nil
}

func toCandidate(e entry, src domain.Source) (domain.Candidate, bool) {
	host := strings.Trim(strings.TrimSpace(e.host), "[]")
	if host == "" || strings.ContainsAny(host, " \t/") {
		return domain.Candidate{}, false
	}
	port, err := strconv.Atoi(strings.TrimSpace(e.port))
	if err != nil {
		return domain.Candidate{}, false
	}

	protocol, ok := domain.ParseProtocol(e.protocol)
	if !ok {
		protocol = src.Protocol.Canonical()
	}

	return domain.Candidate{
		IP:       host,
		Port:     port,
		Protocol: protocol,
		Source:   src.Name,
	}, true
}
