// Package serverpool maintains the set of addresses used to reach the KV
// endpoint. A pool either wraps a static address list or resolves a
// host:port target periodically so that long-lived daemons track DNS
// changes.
package serverpool

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/fusionfoto/kivaloo/pkg/log"
	"github.com/rs/zerolog"
)

// Pool hands out target addresses round-robin.
type Pool struct {
	mu    sync.Mutex
	addrs []string
	next  int

	host   string
	port   string
	logger zerolog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewStatic creates a pool over a fixed address list.
func NewStatic(addrs []string) (*Pool, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("serverpool: no addresses")
	}
	return &Pool{
		addrs:  append([]string(nil), addrs...),
		logger: log.WithComponent("serverpool"),
		stopCh: make(chan struct{}),
	}, nil
}

// New creates a pool that resolves target (host:port) now and re-resolves
// every refresh interval.
func New(target string, refresh time.Duration) (*Pool, error) {
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		return nil, fmt.Errorf("serverpool: invalid target %q: %w", target, err)
	}

	p := &Pool{
		host:   host,
		port:   port,
		logger: log.WithComponent("serverpool"),
		stopCh: make(chan struct{}),
	}
	if err := p.resolve(); err != nil {
		return nil, err
	}

	p.wg.Add(1)
	go p.run(refresh)
	return p, nil
}

// run re-resolves the target on a ticker until Stop is called
func (p *Pool) run(refresh time.Duration) {
	defer p.wg.Done()

	ticker := time.NewTicker(refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := p.resolve(); err != nil {
				// Keep the previous address set on resolution failure
				p.logger.Warn().Err(err).Str("host", p.host).Msg("DNS refresh failed")
			}
		case <-p.stopCh:
			return
		}
	}
}

// resolve looks up the host and swaps in the new address set
func (p *Pool) resolve() error {
	hosts, err := net.LookupHost(p.host)
	if err != nil {
		return fmt.Errorf("serverpool: resolving %s: %w", p.host, err)
	}
	if len(hosts) == 0 {
		return fmt.Errorf("serverpool: no addresses for %s", p.host)
	}

	addrs := make([]string, len(hosts))
	for i, h := range hosts {
		addrs[i] = net.JoinHostPort(h, p.port)
	}

	p.mu.Lock()
	p.addrs = addrs
	if p.next >= len(addrs) {
		p.next = 0
	}
	p.mu.Unlock()

	p.logger.Debug().Int("addresses", len(addrs)).Str("host", p.host).Msg("Resolved endpoint")
	return nil
}

// Pick returns the next address round-robin.
func (p *Pool) Pick() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	addr := p.addrs[p.next]
	p.next = (p.next + 1) % len(p.addrs)
	return addr
}

// Stop stops the refresh loop.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}
