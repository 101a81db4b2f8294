// Package netcheck answers whether the network is usable before a sync
// pass spends a request timeout finding out.
package netcheck

import (
	"context"
	"net"
	"net/url"
	"time"
)

const DefaultTimeout = 3 * time.Second

// Checker dials Addr; a completed TCP handshake means online.
type Checker struct {
	Addr    string
	Timeout time.Duration
	dialer  func(ctx context.Context, network, addr string) (net.Conn, error)
}

func New(addr string, timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	d := &net.Dialer{}
	return &Checker{Addr: addr, Timeout: timeout, dialer: d.DialContext}
}

// FromURL probes the host of an http(s) base URL.
func FromURL(raw string, timeout time.Duration) (*Checker, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	port := u.Port()
	if port == "" {
		port = "443"
		if u.Scheme == "http" {
			port = "80"
		}
	}
	return New(net.JoinHostPort(u.Hostname(), port), timeout), nil
}

func (c *Checker) Online(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	conn, err := c.dialer(ctx, "tcp", c.Addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Always reports a fixed state.
type Always bool

func (a Always) Online(context.Context) bool { return bool(a) }
