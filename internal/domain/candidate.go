package domain

import (
	"net"
	"strconv"
)

// Candidate is an unvalidated endpoint produced by a fetcher. It lives only for one cycle.
type Candidate struct {
	IP       string
	Port     int
	Protocol Protocol
	Source   string
}

// Key identifies the endpoint independent of protocol.
func (c Candidate) Key() string {
	return net.JoinHostPort(c.IP, strconv.Itoa(c.Port))
}

func (c Candidate) Address() string {
	return c.Key()
}
