package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"

	"proxyharvest/internal/config"
)

var (
	ErrHostBlocked        = errors.New("source host is blocked")
	ErrDisallowedByRobots = errors.New("robots.txt disallows fetching")
)

func (f *Fetcher) admit(ctx context.Context, uri string) error {
	if config.IsWebsiteBlocked(uri) {
		return fmt.Errorf("%w: %s", ErrHostBlocked, uri)
	}
	if !f.opts.RespectRobots {
		return nil
	}

	result, err := f.robots.Check(ctx, uri)
	if err != nil {
		log.Warn("robots.txt check failed", "url", uri, "error", err)
	}
	if result.RobotsFound && !result.Allowed {
		return fmt.Errorf("%w: %s", ErrDisallowedByRobots, uri)
	}
	return nil
}

func (f *Fetcher) download(ctx context.Context, uri string) ([]byte, error) {
	if err := f.admit(ctx, uri); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if len(payload) > maxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}
	return payload, nil
}

func (f *Fetcher) render(ctx context.Context, uri string) ([]byte, error) {
	if f.opts.Renderer == nil {
		return nil, errors.New("no browser renderer configured")
	}
	if err := f.admit(ctx, uri); err != nil {
		return nil, err
	}

	html, err := f.opts.Renderer.Render(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("render page: %w", err)
	}
	if len(html) > maxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}
	return []byte(html), nil
}
