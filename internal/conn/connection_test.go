package conn

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/chartgate/chartgate/internal/protocol"
)

type blockingFakeSocket struct {
	mu      sync.Mutex
	written [][]byte
	block   chan struct{}
}

func newBlockingFakeSocket() *blockingFakeSocket {
	return &blockingFakeSocket{block: make(chan struct{})}
}

func (f *blockingFakeSocket) ReadMessage() (int, []byte, error) {
	<-f.block
	return 0, nil, errTestClosed
}

type testErr string

func (e testErr) Error() string { return string(e) }

const errTestClosed = testErr("closed")

func (f *blockingFakeSocket) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, append([]byte(nil), data...))
	return nil
}

func (f *blockingFakeSocket) Close() error {
	close(f.block)
	return nil
}

func decodeMethod(t *testing.T, frame []byte) string {
	t.Helper()
	payloads, _ := protocol.DecodeFrames(frame)
	if len(payloads) != 1 {
		t.Fatalf("expected exactly one decoded frame, got %d", len(payloads))
	}
	var env struct {
		Method string `json:"m"`
	}
	if err := json.Unmarshal(payloads[0], &env); err != nil {
		t.Fatalf("failed to decode envelope: %v", err)
	}
	return env.Method
}

func TestEnsureSeriesSlotReuseViaModifySeries(t *testing.T) {
	sock := newBlockingFakeSocket()
	engine := protocol.NewEngine(sock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	c := New(0, nil, nil, DefaultBackoffConfig(), 30*time.Second, nil)

	id1, created1, err := c.EnsureSeriesSlot(engine, "NSE:RELIANCE", "1D", 300)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created1 {
		t.Fatal("expected first call to create a new slot")
	}

	id2, created2, err := c.EnsureSeriesSlot(engine, "NSE:TCS", "1D", 300)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created2 {
		t.Fatal("expected second call with same resolution to reuse the slot, not create")
	}
	if id1 != id2 {
		t.Fatalf("expected same slot id reused, got %s then %s", id1, id2)
	}

	time.Sleep(20 * time.Millisecond)
	frames := sock.written
	if len(frames) != 2 {
		t.Fatalf("expected 2 written frames, got %d", len(frames))
	}
	if decodeMethod(t, frames[0]) != protocol.MethodCreateSeries {
		t.Errorf("expected first frame to be create_series")
	}
	if decodeMethod(t, frames[1]) != protocol.MethodModifySeries {
		t.Errorf("expected second frame to be modify_series, not remove_series or another create_series")
	}
}

func TestEnsureSeriesSlotDifferentResolutionCreatesNewSlot(t *testing.T) {
	sock := newBlockingFakeSocket()
	engine := protocol.NewEngine(sock, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	c := New(0, nil, nil, DefaultBackoffConfig(), 30*time.Second, nil)

	id1, _, _ := c.EnsureSeriesSlot(engine, "NSE:RELIANCE", "1D", 300)
	id2, created, err := c.EnsureSeriesSlot(engine, "NSE:RELIANCE", "15", 300)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created {
		t.Fatal("expected a new slot for a different resolution")
	}
	if id1 == id2 {
		t.Fatal("expected distinct slot ids for distinct resolutions")
	}
}

func TestStateStringValues(t *testing.T) {
	cases := map[State]string{
		Dialing: "Dialing", Authenticating: "Authenticating", Ready: "Ready",
		InFlight: "InFlight", Draining: "Draining", Closed: "Closed",
	}
	for s, want := range cases {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}
