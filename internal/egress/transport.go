package egress

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/pysugar/marketrelay/internal/db/models"
)

// Transports caches one http.Transport per egress identity so connections are
// reused without ever crossing identities. An identity edit changes UpdatedAt,
// which rotates the cached transport.
type Transports struct {
	timeout time.Duration

	mu      sync.Mutex
	entries map[string]transportEntry
}

type transportEntry struct {
	version   string
	transport *http.Transport
}

// NewTransports creates a pool whose clients time out after timeout.
func NewTransports(timeout time.Duration) *Transports {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Transports{timeout: timeout, entries: make(map[string]transportEntry)}
}

// Timeout is the per-request timeout applied to pooled clients.
func (p *Transports) Timeout() time.Duration {
	return p.timeout
}

// ClientFor returns an http.Client whose traffic leaves through e.
func (p *Transports) ClientFor(e *models.EgressIdentity) (*http.Client, error) {
	if e == nil {
		return nil, ErrNotBound
	}
	version := e.UpdatedAt.UTC().Format(time.RFC3339Nano) + "|" + strconv.FormatBool(e.Active)

	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.entries[e.ID]; ok {
		if entry.version == version {
			return &http.Client{Transport: entry.transport, Timeout: p.timeout}, nil
		}
		entry.transport.CloseIdleConnections()
	}

	t, err := newTransport(e)
	if err != nil {
		return nil, err
	}
	p.entries[e.ID] = transportEntry{version: version, transport: t}
	return &http.Client{Transport: t, Timeout: p.timeout}, nil
}

// Forget drops the cached transport of an identity.
func (p *Transports) Forget(egressID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.entries[egressID]; ok {
		entry.transport.CloseIdleConnections()
		delete(p.entries, egressID)
	}
}

func newTransport(e *models.EgressIdentity) (*http.Transport, error) {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConnsPerHost = 4

	switch e.Kind {
	case models.EgressProxy:
		proxyURL := e.ProxyURL()
		switch proxyURL.Scheme {
		case "http", "https", "socks5":
		default:
			return nil, fmt.Errorf("egress %s: unsupported proxy scheme %q", e.ID, proxyURL.Scheme)
		}
		t.Proxy = http.ProxyURL(proxyURL)
	case models.EgressLocal:
		ip := net.ParseIP(e.Address)
		if ip == nil {
			return nil, fmt.Errorf("egress %s: invalid local address %q", e.ID, e.Address)
		}
		dialer := &net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
			LocalAddr: &net.TCPAddr{IP: ip},
		}
		t.Proxy = nil
		t.DialContext = dialer.DialContext
	default:
		return nil, fmt.Errorf("egress %s: unknown kind %q", e.ID, e.Kind)
	}
	return t, nil
}
