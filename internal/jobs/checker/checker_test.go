package checker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"proxyharvest/internal/domain"
)

const probeTarget = "http://checkip.test/"

func testProber(opts Options) *Prober {
	if opts.Target == "" {
		opts.Target = probeTarget
	}
	return NewProber(opts)
}

// startHTTPProxy answers absolute-form requests for the probe target with exitIP.
func startHTTPProxy(t *testing.T, exitIP string, delay time.Duration) domain.Candidate {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Host != "checkip.test" {
			http.Error(w, "unexpected target", http.StatusBadGateway)
			return
		}
		time.Sleep(delay)
		_, _ = fmt.Fprintf(w, "%s\n", exitIP)
	}))
	t.Cleanup(srv.Close)
	return candidateFor(t, srv.Listener.Addr().String())
}

func candidateFor(t *testing.T, addr string) domain.Candidate {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split %s: %v", addr, err)
	}
	port, _ := strconv.Atoi(portStr)
	return domain.Candidate{IP: host, Port: port}
}

// startSOCKS5 serves one HTTP response per connection after a no-auth handshake.
func startSOCKS5(t *testing.T, exitIP string) domain.Candidate {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSOCKS5(conn, exitIP)
		}
	}()
	return candidateFor(t, ln.Addr().String())
}

func serveSOCKS5(conn net.Conn, exitIP string) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	greeting := make([]byte, 2)
	if _, err := io.ReadFull(r, greeting); err != nil || greeting[0] != 5 {
		return
	}
	if _, err := io.ReadFull(r, make([]byte, greeting[1])); err != nil {
		return
	}
	_, _ = conn.Write([]byte{5, 0})

	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return
	}
	switch header[3] {
	case 1:
		_, _ = io.ReadFull(r, make([]byte, 4+2))
	case 3:
		n, _ := r.ReadByte()
		_, _ = io.ReadFull(r, make([]byte, int(n)+2))
	case 4:
		_, _ = io.ReadFull(r, make([]byte, 16+2))
	}
	_, _ = conn.Write([]byte{5, 0, 0, 1, 127, 0, 0, 1, 0, 80})

	if _, err := http.ReadRequest(r); err != nil {
		return
	}
	body := exitIP + "\n"
	_, _ = fmt.Fprintf(conn, "HTTP/1.1 200 OK\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", len(body), body)
}

// startSilent accepts connections and never answers.
func startSilent(t *testing.T) domain.Candidate {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		for _, c := range conns {
			_ = c.Close()
		}
		mu.Unlock()
	})
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	return candidateFor(t, ln.Addr().String())
}

func closedPort(t *testing.T) domain.Candidate {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return candidateFor(t, addr)
}

func TestProbeHTTPSuccess(t *testing.T) {
	c := startHTTPProxy(t, "203.0.113.9", 20*time.Millisecond)
	c.Protocol = domain.ProtocolHTTP

	result := testProber(Options{VerifyExitIP: true}).Probe(context.Background(), c, 2*time.Second)
	if !result.Success {
		t.Fatalf("probe failed: %v (%s)", result.Err, result.Failure)
	}
	if result.Protocol != domain.ProtocolHTTP || result.Attempts != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.Latency < 20*time.Millisecond {
		t.Fatalf("latency %s shorter than the proxy delay", result.Latency)
	}
}

func TestProbeFallsBackToDemonstratedProtocol(t *testing.T) {
	c := startHTTPProxy(t, "203.0.113.9", 0)
	c.Protocol = domain.ProtocolSOCKS5

	result := testProber(Options{VerifyExitIP: true}).Probe(context.Background(), c, 500*time.Millisecond)
	if !result.Success {
		t.Fatalf("probe failed: %v (%s)", result.Err, result.Failure)
	}
	if result.Protocol != domain.ProtocolHTTP {
		t.Fatalf("recorded %s, want the demonstrated http", result.Protocol)
	}
	if result.Attempts < 2 {
		t.Fatalf("attempts = %d, want the claim to be tried first", result.Attempts)
	}
}

func TestProbeAcceptsLooseClaimSpelling(t *testing.T) {
	c := startHTTPProxy(t, "203.0.113.9", 0)
	c.Protocol = domain.Protocol("SOCKS5")

	result := testProber(Options{VerifyExitIP: true}).Probe(context.Background(), c, 500*time.Millisecond)
	if !result.Success || result.Protocol != domain.ProtocolHTTP {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.Attempts < 2 {
		t.Fatalf("attempts = %d, want the socks5 claim tried before http", result.Attempts)
	}
}

func TestProbeSOCKS5(t *testing.T) {
	c := startSOCKS5(t, "198.51.100.7")
	c.Protocol = domain.ProtocolSOCKS5

	result := testProber(Options{VerifyExitIP: true}).Probe(context.Background(), c, 500*time.Millisecond)
	if !result.Success || result.Protocol != domain.ProtocolSOCKS5 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestProbeTimeout(t *testing.T) {
	c := startSilent(t)
	c.Protocol = domain.ProtocolHTTP

	result := testProber(Options{}).Probe(context.Background(), c, 150*time.Millisecond)
	if result.Success {
		t.Fatal("silent listener reported as working")
	}
	if result.Failure != domain.FailureTimeout {
		t.Fatalf("failure = %s (%v), want timeout", result.Failure, result.Err)
	}
}

func TestProbeRefusedDoesNotFallBack(t *testing.T) {
	c := closedPort(t)
	c.Protocol = domain.ProtocolSOCKS5

	result := testProber(Options{}).Probe(context.Background(), c, time.Second)
	if result.Success || result.Failure != domain.FailureConnectRefused {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", result.Attempts)
	}
}

func TestProbeExitIPVerification(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		opts    Options
		success bool
	}{
		{"any body accepted without verification", "hello", Options{}, true},
		{"non ip body rejected", "<html>captive portal</html>", Options{VerifyExitIP: true}, false},
		{"foreign exit ip accepted", "203.0.113.9", Options{VerifyExitIP: true}, true},
		{"foreign exit ip rejected when matching", "203.0.113.9", Options{VerifyExitIP: true, RequireIPMatch: true}, false},
		{"matching exit ip", "127.0.0.1", Options{VerifyExitIP: true, RequireIPMatch: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := startHTTPProxy(t, tt.body, 0)
			c.Protocol = domain.ProtocolHTTP

			result := testProber(tt.opts).Probe(context.Background(), c, 300*time.Millisecond)
			if result.Success != tt.success {
				t.Fatalf("success = %v (%v), want %v", result.Success, result.Err, tt.success)
			}
			if !tt.success && result.Failure != domain.FailureProtocolMismatch {
				t.Fatalf("failure = %s, want protocol_mismatch", result.Failure)
			}
		})
	}
}

func TestProbeStabilityChecks(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) > 1 {
			http.Error(w, "gone", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("203.0.113.9"))
	}))
	t.Cleanup(srv.Close)
	c := candidateFor(t, srv.Listener.Addr().String())
	c.Protocol = domain.ProtocolHTTP

	p := testProber(Options{StabilityChecks: 2, StabilityDelay: 10 * time.Millisecond})
	if result := p.Probe(context.Background(), c, 300*time.Millisecond); result.Success {
		t.Fatal("flapping proxy passed the stability check")
	}
}

func TestProtocolOrder(t *testing.T) {
	tests := []struct {
		name string
		c    domain.Candidate
		want []domain.Protocol
	}{
		{"claim first", domain.Candidate{Port: 8080, Protocol: domain.ProtocolSOCKS4},
			[]domain.Protocol{domain.ProtocolSOCKS4, domain.ProtocolHTTP, domain.ProtocolHTTPS, domain.ProtocolSOCKS5}},
		{"socks port guess", domain.Candidate{Port: 1080},
			[]domain.Protocol{domain.ProtocolSOCKS5, domain.ProtocolSOCKS4, domain.ProtocolHTTP, domain.ProtocolHTTPS}},
		{"tls port guess", domain.Candidate{Port: 443},
			[]domain.Protocol{domain.ProtocolHTTPS, domain.ProtocolHTTP, domain.ProtocolSOCKS5, domain.ProtocolSOCKS4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := protocolOrder(tt.c)
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Fatalf("order = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want domain.FailureKind
	}{
		{"nil", nil, domain.FailureNone},
		{"deadline", context.DeadlineExceeded, domain.FailureTimeout},
		{"bad response", fmt.Errorf("wrap: %w", errUnexpectedResponse), domain.FailureProtocolMismatch},
		{"refused text", errors.New("dial tcp 1.2.3.4:80: connect: connection refused"), domain.FailureConnectRefused},
		{"tls", errors.New("tls: first record does not look like a TLS handshake"), domain.FailureTLS},
		{"eof", io.EOF, domain.FailureProtocolMismatch},
		{"other", errors.New("something odd"), domain.FailureUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Fatalf("Classify = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCapByFDLimit(t *testing.T) {
	if got := capByFDLimit(200, 1024); got != 179 {
		t.Fatalf("cap = %d, want 179", got)
	}
	if got := capByFDLimit(200, 1<<20); got != 200 {
		t.Fatalf("cap = %d, want 200", got)
	}
	if got := capByFDLimit(0, 0); got != 1 {
		t.Fatalf("cap = %d, want 1", got)
	}
}
