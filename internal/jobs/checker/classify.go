package checker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"proxyharvest/internal/domain"
)

// errUnexpectedResponse marks a proxy that answered, but not with a usable
// response from the probe target.
var errUnexpectedResponse = errors.New("unexpected response through proxy")

// Classify maps a probe error onto the failure taxonomy.
func Classify(err error) domain.FailureKind {
	if err == nil {
		return domain.FailureNone
	}
	if errors.Is(err, errUnexpectedResponse) {
		return domain.FailureProtocolMismatch
	}
	if isTimeoutErr(err) {
		return domain.FailureTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return domain.FailureConnectRefused
	}
	if isTLSErr(err) {
		return domain.FailureTLS
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"):
		return domain.FailureConnectRefused
	case strings.Contains(msg, "i/o timeout") || strings.Contains(msg, "timed out"):
		return domain.FailureTimeout
	case strings.Contains(msg, "tls") || strings.Contains(msg, "handshake") || strings.Contains(msg, "x509"):
		return domain.FailureTLS
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		strings.Contains(msg, "malformed http"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "unexpected protocol version"),
		strings.Contains(msg, "socks"),
		strings.Contains(msg, "proxyconnect"),
		strings.Contains(msg, "bad status"):
		return domain.FailureProtocolMismatch
	default:
		return domain.FailureUnknown
	}
}

func isTimeoutErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isTLSErr(err error) bool {
	var (
		recordErr  tls.RecordHeaderError
		verifyErr  *tls.CertificateVerificationError
		unknownCA  x509.UnknownAuthorityError
		hostErr    x509.HostnameError
		invalidErr x509.CertificateInvalidError
	)
	return errors.As(err, &recordErr) ||
		errors.As(err, &verifyErr) ||
		errors.As(err, &unknownCA) ||
		errors.As(err, &hostErr) ||
		errors.As(err, &invalidErr)
}

// isDialErr reports errors raised while opening the TCP connection to the proxy itself.
func isDialErr(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
