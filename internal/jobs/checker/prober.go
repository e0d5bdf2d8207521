package checker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"net/netip"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"proxyharvest/internal/config"
	"proxyharvest/internal/domain"
)

const maxResponseBodyLength = 4096

type Options struct {
	Target          string
	TLSTarget       string
	UserAgent       string
	VerifyExitIP    bool
	RequireIPMatch  bool
	StabilityChecks int
	StabilityDelay  time.Duration
	// DialRate limits new probe attempts per second; zero disables the limiter.
	DialRate int
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Target:          cfg.Probe.Target,
		TLSTarget:       cfg.Probe.TLSTarget,
		UserAgent:       cfg.Probe.UserAgent,
		VerifyExitIP:    cfg.Probe.VerifyExitIP,
		RequireIPMatch:  cfg.Probe.RequireIPMatch,
		StabilityChecks: cfg.StabilityChecks(),
		StabilityDelay:  cfg.StabilityDelay(),
		DialRate:        int(cfg.Probe.DialRate),
	}
}

// Prober tests candidates against the configured target endpoints.
type Prober struct {
	opts    Options
	limiter *rate.Limiter
}

func NewProber(opts Options) *Prober {
	if opts.TLSTarget == "" {
		opts.TLSTarget = opts.Target
	}
	if opts.StabilityChecks < 1 {
		opts.StabilityChecks = 1
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "proxyharvest-probe/1.0"
	}

	p := &Prober{opts: opts}
	if opts.DialRate > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(opts.DialRate), opts.DialRate)
	}
	return p
}

type attemptResult struct {
	latency   time.Duration
	connected bool
	attempts  int
	err       error
}

// Probe confirms which protocol c speaks. It never returns an error: every
// failure is folded into the result. timeout bounds each single attempt.
func (p *Prober) Probe(ctx context.Context, c domain.Candidate, timeout time.Duration) domain.ProbeResult {
	result := domain.ProbeResult{TestedAt: time.Now()}

	for _, protocol := range protocolOrder(c) {
		attempt := p.confirm(ctx, c, protocol, timeout)
		result.Attempts += attempt.attempts

		if attempt.err == nil {
			result.Success = true
			result.Latency = attempt.latency
			result.Protocol = protocol
			result.Failure = domain.FailureNone
			result.Err = nil
			return result
		}

		// The first attempt carries the claim, so its classification describes the proxy best.
		if result.Err == nil {
			result.Failure = Classify(attempt.err)
			result.Err = fmt.Errorf("%s: %w", protocol, attempt.err)
		}

		if ctx.Err() != nil {
			break
		}
		// Nothing listens or the host is dark: other protocols cannot do better.
		if !attempt.connected {
			break
		}
	}

	log.Debug("Probe failed", "proxy", c.Address(), "claimed", c.Protocol, "kind", result.Failure, "error", result.Err)
	return result
}

// confirm runs the stability checks for one protocol. All must pass; the
// latency of the last one is reported.
func (p *Prober) confirm(ctx context.Context, c domain.Candidate, protocol domain.Protocol, timeout time.Duration) attemptResult {
	var out attemptResult
	for i := 0; i < p.opts.StabilityChecks; i++ {
		if i > 0 && p.opts.StabilityDelay > 0 {
			select {
			case <-ctx.Done():
				out.err = ctx.Err()
				return out
			case <-time.After(p.opts.StabilityDelay):
			}
		}

		single := p.attempt(ctx, c, protocol, timeout)
		out.attempts++
		out.connected = out.connected || single.connected
		out.latency = single.latency
		out.err = single.err
		if single.err != nil {
			return out
		}
	}
	return out
}

func (p *Prober) attempt(ctx context.Context, c domain.Candidate, protocol domain.Protocol, timeout time.Duration) attemptResult {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return attemptResult{err: err}
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := &trackingDialer{}
	transport, err := createTransport(c, protocol, timeout, dialer)
	if err != nil {
		return attemptResult{err: err}
	}
	defer transport.CloseIdleConnections()

	target := p.opts.Target
	if protocol == domain.ProtocolHTTPS {
		target = p.opts.TLSTarget
	}

	latency, err := p.request(attemptCtx, transport, target, c.IP)

	connected := dialer.connected.Load()
	if protocol == domain.ProtocolSOCKS4 {
		connected = err == nil || !(isDialErr(err) || Classify(err) == domain.FailureConnectRefused || Classify(err) == domain.FailureTimeout)
	}

	return attemptResult{latency: latency, connected: connected, err: err}
}

func (p *Prober) request(ctx context.Context, transport *http.Transport, target, candidateIP string) (time.Duration, error) {
	var firstByte time.Time
	trace := &httptrace.ClientTrace{
		GotFirstResponseByte: func() { firstByte = time.Now() },
	}

	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), http.MethodGet, target, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", p.opts.UserAgent)
	req.Header.Set("Connection", "close")

	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if firstByte.IsZero() {
		firstByte = time.Now()
	}
	latency := firstByte.Sub(start)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("%w: status %d", errUnexpectedResponse, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyLength))
	if err != nil {
		return 0, fmt.Errorf("read body: %w", err)
	}
	if err := p.validateBody(string(body), candidateIP); err != nil {
		return 0, err
	}

	return latency, nil
}

func (p *Prober) validateBody(body, candidateIP string) error {
	text := strings.TrimSpace(body)
	if text == "" {
		return fmt.Errorf("%w: empty body", errUnexpectedResponse)
	}
	if !p.opts.VerifyExitIP {
		return nil
	}

	firstLine, _, _ := strings.Cut(text, "\n")
	exit, err := netip.ParseAddr(strings.TrimSpace(firstLine))
	if err != nil {
		return fmt.Errorf("%w: body is not an ip address", errUnexpectedResponse)
	}
	if !p.opts.RequireIPMatch {
		return nil
	}

	want, err := netip.ParseAddr(candidateIP)
	if err != nil || exit.Unmap() != want.Unmap() {
		return fmt.Errorf("%w: exit ip %s differs from %s", errUnexpectedResponse, exit, candidateIP)
	}
	return nil
}

// IsAbandoned reports failures that finished after ctx ended; they say
// nothing about the proxy.
func IsAbandoned(ctx context.Context, result domain.ProbeResult) bool {
	return !result.Success && ctx.Err() != nil
}
