// Package pool implements the connection pool (C6): a fixed-size pool of
// supervised connections, request assignment, and degraded-health tracking.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chartgate/chartgate/internal/chart"
	"github.com/chartgate/chartgate/internal/conn"
)

// Coordinator is the per-request collaborator (C7) the pool invokes on the
// connection it hands out. Defined here (rather than imported from
// internal/coordinator) to avoid a C6<->C7 import cycle; coordinator.Handler
// satisfies this interface.
type Coordinator interface {
	Handle(ctx context.Context, c *conn.Connection, req Request) (chart.Payload, error)
}

// Request is the subset of an orchestrator request the coordinator needs to
// service a single chart fetch on a loaned connection.
type Request struct {
	JWT             string
	Symbol          string
	Resolution      chart.Resolution
	BarCount        int
	CVDEnabled      bool
	CVDAnchorPeriod string
	CVDTimeframe    chart.Resolution
}

// Pool is C6. Connections are addressed by index (spec §9, arena-plus-index)
// so the pool never holds a reference cycle back through the connections it
// supervises.
type Pool struct {
	connections []*conn.Connection
	coordinator Coordinator
	logger      *slog.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	available map[int]bool

	degradedSince time.Time
	healthMu      sync.Mutex
}

// New builds a pool of size supervised connections using dial/authenticate
// to establish each one. Call Start to begin supervising them.
func New(size int, dial conn.Dialer, authenticate conn.Authenticator, backoff conn.BackoffConfig, idle time.Duration, coordinator Coordinator, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		coordinator: coordinator,
		logger:      logger,
		available:   make(map[int]bool),
	}
	p.cond = sync.NewCond(&p.mu)

	for i := 0; i < size; i++ {
		p.connections = append(p.connections, conn.New(i, dial, authenticate, backoff, idle, logger))
	}
	return p
}

// Start launches the supervisor loop for every connection and the pool's
// health monitor. It returns once all goroutines have been launched; they
// run until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for _, c := range p.connections {
		go c.Run(ctx)
	}
	go p.healthMonitor(ctx)
}

// Size returns the pool's fixed connection count.
func (p *Pool) Size() int { return len(p.connections) }

// Acquire waits (up to timeout, via ctx) for a Ready connection, marks it
// InFlight, and returns it. Acquirers never observe a Closed connection —
// only Ready connections are handed out, and each connection's own Run loop
// redials after it closes.
func (p *Pool) Acquire(ctx context.Context) (*conn.Connection, error) {
	result := make(chan *conn.Connection, 1)
	stop := make(chan struct{})
	go func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, c := range p.connections {
				if c.State() == conn.Ready {
					c.MarkInFlight()
					result <- c
					return
				}
			}
			p.cond.Wait()
		}
	}()

	defer func() {
		close(stop)
		p.cond.Broadcast() // wake the waiter above so it can observe stop
	}()

	select {
	case c := <-result:
		return c, nil
	case <-ctx.Done():
		return nil, chart.ErrPoolExhausted()
	}
}

// Release returns c to the pool, marking it Ready (unless it has since
// drained), and wakes any acquirers waiting for availability.
func (p *Pool) Release(c *conn.Connection) {
	if c.State() != conn.Closed && c.State() != conn.Dialing && c.State() != conn.Authenticating {
		c.MarkReady()
	}
	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
}

// FetchChart is the pool's composite operation: acquire, run the
// coordinator on the loaned connection, and release — with guaranteed
// release on every exit path, including timeout, cancellation, and
// protocol error (spec §4.6, §3 "Ownership").
func (p *Pool) FetchChart(ctx context.Context, req Request) (chart.Payload, error) {
	c, err := p.Acquire(ctx)
	if err != nil {
		return chart.Payload{}, err
	}
	defer p.Release(c)

	return p.coordinator.Handle(ctx, c, req)
}

// Degraded reports whether fewer than half the pool's connections have been
// healthy (Ready/InFlight) for more than 60 seconds (spec §4.6).
func (p *Pool) Degraded() bool {
	p.healthMu.Lock()
	defer p.healthMu.Unlock()
	return !p.degradedSince.IsZero() && time.Since(p.degradedSince) > 60*time.Second
}

func (p *Pool) healthMonitor(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.checkHealth()
		}
	}
}

func (p *Pool) checkHealth() {
	healthy := 0
	for _, c := range p.connections {
		switch c.State() {
		case conn.Ready, conn.InFlight:
			healthy++
		}
	}

	p.healthMu.Lock()
	defer p.healthMu.Unlock()
	if healthy*2 < len(p.connections) {
		if p.degradedSince.IsZero() {
			p.degradedSince = time.Now()
		}
	} else {
		p.degradedSince = time.Time{}
	}
}
