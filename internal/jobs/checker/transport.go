package checker

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"golang.org/x/net/proxy"
	"h12.io/socks"

	"proxyharvest/internal/domain"
)

// trackingDialer remembers whether the TCP connection to the proxy was ever established.
type trackingDialer struct {
	net.Dialer
	connected atomic.Bool
}

func (d *trackingDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := d.Dialer.DialContext(ctx, network, addr)
	if err == nil {
		d.connected.Store(true)
	}
	return conn, err
}

func (d *trackingDialer) Dial(network, addr string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, addr)
}

// createTransport builds a single-use transport that routes every request
// through the candidate using protocol.
func createTransport(c domain.Candidate, protocol domain.Protocol, timeout time.Duration, dialer *trackingDialer) (*http.Transport, error) {
	dialer.Timeout = timeout
	dialer.KeepAlive = -1

	transport := &http.Transport{
		DisableKeepAlives:     true,
		MaxIdleConns:          0,
		MaxIdleConnsPerHost:   0,
		IdleConnTimeout:       0,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: time.Second,
	}

	switch protocol {
	case domain.ProtocolHTTP, domain.ProtocolHTTPS:
		transport.Proxy = http.ProxyURL(&url.URL{Scheme: "http", Host: c.Address()})
		transport.DialContext = dialer.DialContext

	case domain.ProtocolSOCKS5:
		socksDialer, err := proxy.SOCKS5("tcp", c.Address(), nil, dialer)
		if err != nil {
			return nil, fmt.Errorf("socks5 dialer: %w", err)
		}
		contextDialer, ok := socksDialer.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks5 dialer does not support contexts")
		}
		transport.DialContext = contextDialer.DialContext

	case domain.ProtocolSOCKS4:
		dial := socks.Dial(fmt.Sprintf("socks4://%s?timeout=%s", c.Address(), timeout))
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialWithContext(ctx, dial, network, addr)
		}

	default:
		return nil, fmt.Errorf("unsupported protocol %q", protocol)
	}

	return transport, nil
}

// dialWithContext runs a context-unaware dial function and abandons it when ctx ends.
func dialWithContext(ctx context.Context, dial func(string, string) (net.Conn, error), network, addr string) (net.Conn, error) {
	type dialResult struct {
		conn net.Conn
		err  error
	}

	done := make(chan dialResult, 1)
	go func() {
		conn, err := dial(network, addr)
		done <- dialResult{conn: conn, err: err}
	}()

	select {
	case res := <-done:
		return res.conn, res.err
	case <-ctx.Done():
		go func() {
			if res := <-done; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}
