package domain

import "time"

// FailureKind classifies why a probe failed.
type FailureKind uint8

const (
	FailureNone FailureKind = iota
	FailureConnectRefused
	FailureTimeout
	FailureTLS
	FailureProtocolMismatch
	FailureUnknown
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureConnectRefused:
		return "connect_refused"
	case FailureTimeout:
		return "timeout"
	case FailureTLS:
		return "tls_failure"
	case FailureProtocolMismatch:
		return "protocol_mismatch"
	default:
		return "unknown"
	}
}

type ProbeResult struct {
	Success  bool
	Latency  time.Duration // success only
	Protocol Protocol      // success only
	Failure  FailureKind   // failure only
	Err      error         // first attempt error, for logging
	TestedAt time.Time
	Attempts int
}

func (r ProbeResult) LatencyMs() int64 {
	return r.Latency.Milliseconds()
}
