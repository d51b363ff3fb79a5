package bus

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// TCPProber checks bus reachability with a plain TCP connect.
type TCPProber struct {
	Address string
	Timeout time.Duration
}

// NewTCPProber derives the probe address from the first server of a bus URL.
func NewTCPProber(busURL string, timeout time.Duration) (*TCPProber, error) {
	addr, err := ProbeAddress(busURL)
	if err != nil {
		return nil, err
	}
	return &TCPProber{Address: addr, Timeout: timeout}, nil
}

func (p *TCPProber) Probe(ctx context.Context) error {
	d := net.Dialer{Timeout: p.Timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return fmt.Errorf("bağlantı testi başarısız %s: %w", p.Address, err)
	}
	conn.Close()
	return nil
}

// ProbeAddress extracts host:port from "nats://host:port[,nats://...]" or a
// bare "host:port". The default NATS port is used when none is given.
func ProbeAddress(busURL string) (string, error) {
	first := strings.TrimSpace(strings.Split(busURL, ",")[0])
	if first == "" {
		return "", fmt.Errorf("bus adresi boş")
	}
	if !strings.Contains(first, "://") {
		first = "nats://" + first
	}

	u, err := url.Parse(first)
	if err != nil {
		return "", fmt.Errorf("geçersiz bus adresi %q: %w", busURL, err)
	}
	host, port := u.Hostname(), u.Port()
	if host == "" {
		return "", fmt.Errorf("geçersiz bus adresi %q: host yok", busURL)
	}
	if port == "" {
		port = "4222"
	}
	return net.JoinHostPort(host, port), nil
}
