package pool

import (
	"context"
	"testing"
	"time"

	"github.com/chartgate/chartgate/internal/chart"
	"github.com/chartgate/chartgate/internal/conn"
	"github.com/chartgate/chartgate/internal/protocol"
)

type fakeSocket struct {
	block chan struct{}
}

func newFakeSocket() *fakeSocket { return &fakeSocket{block: make(chan struct{})} }

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

func (f *fakeSocket) ReadMessage() (int, []byte, error) {
	<-f.block
	return 0, nil, fakeErr("closed")
}
func (f *fakeSocket) WriteMessage(int, []byte) error { return nil }
func (f *fakeSocket) Close() error {
	select {
	case <-f.block:
	default:
		close(f.block)
	}
	return nil
}

func instantDial(ctx context.Context) (protocol.Socket, error) {
	return newFakeSocket(), nil
}

func noopAuthenticate(ctx context.Context, engine *protocol.Engine) error {
	return nil
}

func waitForReadyCount(t *testing.T, p *Pool, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		ready := 0
		for _, c := range p.connections {
			if c.State() == conn.Ready {
				ready++
			}
		}
		if ready >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d ready connections", n)
}

type fakeCoordinator struct {
	handle func(ctx context.Context, c *conn.Connection, req Request) (chart.Payload, error)
}

func (f *fakeCoordinator) Handle(ctx context.Context, c *conn.Connection, req Request) (chart.Payload, error) {
	return f.handle(ctx, c, req)
}

func TestPoolAcquireReleaseRoundTrip(t *testing.T) {
	p := New(2, instantDial, noopAuthenticate, conn.DefaultBackoffConfig(), 30*time.Second, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	waitForReadyCount(t, p, 2, time.Second)

	acquireCtx, acquireCancel := context.WithTimeout(ctx, time.Second)
	defer acquireCancel()

	c, err := p.Acquire(acquireCtx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.State() != conn.InFlight {
		t.Fatalf("expected InFlight after acquire, got %s", c.State())
	}

	p.Release(c)
	if c.State() != conn.Ready {
		t.Fatalf("expected Ready after release, got %s", c.State())
	}
}

func TestPoolAcquireExhaustedTimesOut(t *testing.T) {
	p := New(1, instantDial, noopAuthenticate, conn.DefaultBackoffConfig(), 30*time.Second, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	waitForReadyCount(t, p, 1, time.Second)

	acquireCtx1, cancel1 := context.WithTimeout(ctx, time.Second)
	defer cancel1()
	c, err := p.Acquire(acquireCtx1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_ = c // keep it InFlight, don't release

	acquireCtx2, cancel2 := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel2()
	_, err = p.Acquire(acquireCtx2)
	if err == nil {
		t.Fatal("expected PoolExhausted error")
	}
	cerr, ok := err.(*chart.Error)
	if !ok || cerr.Message != "PoolExhausted" {
		t.Fatalf("expected PoolExhausted error, got %v", err)
	}
}

func TestPoolFetchChartReleasesOnCoordinatorError(t *testing.T) {
	coordinator := &fakeCoordinator{
		handle: func(ctx context.Context, c *conn.Connection, req Request) (chart.Payload, error) {
			return chart.Payload{}, chart.ErrTimeout()
		},
	}
	p := New(1, instantDial, noopAuthenticate, conn.DefaultBackoffConfig(), 30*time.Second, coordinator, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	waitForReadyCount(t, p, 1, time.Second)

	_, err := p.FetchChart(ctx, Request{Symbol: "X"})
	if err == nil {
		t.Fatal("expected error to propagate")
	}

	if p.connections[0].State() != conn.Ready {
		t.Fatalf("expected connection released back to Ready, got %s", p.connections[0].State())
	}
}
