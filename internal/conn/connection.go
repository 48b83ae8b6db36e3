package conn

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chartgate/chartgate/internal/chart"
	"github.com/chartgate/chartgate/internal/protocol"
)

// SeriesSlot is one addressable series container inside the connection's
// chart session (spec §3).
type SeriesSlot struct {
	ID           string
	Symbol       string
	Resolution   chart.Resolution
	BarCount     int
	LastActivity time.Time
}

// StudySlot is one addressable study container, referencing its parent
// series slot (spec §3).
type StudySlot struct {
	ID           string
	StudyID      string
	ParentSeries string
}

// Dialer opens a new transport socket to the vendor and returns it wrapped
// as a protocol.Socket. Supplied by the pool/orchestrator wiring so tests
// can substitute an in-memory fake instead of a real gorilla/websocket dial.
type Dialer func(ctx context.Context) (protocol.Socket, error)

// Authenticator performs the Dialing -> Authenticating -> Ready handshake
// (set_auth_token, chart_create_session) on a freshly dialed engine.
type Authenticator func(ctx context.Context, engine *protocol.Engine) error

// Connection is C5: the supervisor for one long-lived WebSocket connection.
// Per spec §9 ("Cyclic references"), the pool addresses connections by
// Index rather than holding direct references, breaking the
// connection-supervisor-pool reference cycle.
type Connection struct {
	ID      string
	Index   int
	Backoff BackoffConfig
	Idle    time.Duration // heartbeat idle window before sending a client ping

	dial          Dialer
	authenticate  Authenticator
	logger        *slog.Logger

	mu                  sync.Mutex
	state               State
	engine              *protocol.Engine
	seriesSlots         map[string]*SeriesSlot
	studySlots          map[string]*StudySlot
	lastHeartbeat       time.Time
	consecutiveMissed   int
	consecutiveFailures int
	degraded            bool
	eventSink           chan protocol.Event
}

// New constructs a supervised connection at the given pool index. The
// connection starts in the Dialing state; call Run to drive its lifecycle.
func New(index int, dial Dialer, authenticate Authenticator, backoff BackoffConfig, idle time.Duration, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		ID:           uuid.NewString(),
		Index:        index,
		Backoff:      backoff,
		Idle:         idle,
		dial:         dial,
		authenticate: authenticate,
		logger:       logger,
		state:        Dialing,
		seriesSlots:  make(map[string]*SeriesSlot),
		studySlots:   make(map[string]*StudySlot),
	}
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Engine returns the active protocol engine, or nil when not connected.
func (c *Connection) Engine() *protocol.Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine
}

// AttachEventSink registers a fresh channel that the serve loop forwards
// every non-fatal inbound event to, and returns it. The pool hands out a
// connection to at most one coordinator at a time, so there is never more
// than one sink. Callers must DetachEventSink when done, typically via
// defer right after attaching.
func (c *Connection) AttachEventSink() <-chan protocol.Event {
	ch := make(chan protocol.Event, protocol.OutboundQueueSize)
	c.mu.Lock()
	c.eventSink = ch
	c.mu.Unlock()
	return ch
}

// DetachEventSink unregisters the current event sink. It does not close the
// channel — the serve loop may still be mid-send on it — so a caller that
// stops reading simply lets it be garbage collected.
func (c *Connection) DetachEventSink() {
	c.mu.Lock()
	c.eventSink = nil
	c.mu.Unlock()
}

// closeEventSink unregisters and closes the current sink, if any, waking a
// coordinator blocked on it with a closed-channel read. Only the serve loop
// that owns the sink calls this, once, on its way out.
func (c *Connection) closeEventSink() {
	c.mu.Lock()
	ch := c.eventSink
	c.eventSink = nil
	c.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// Run drives the connection's full lifecycle — dial, authenticate, serve,
// and on failure, backoff and redial — until ctx is cancelled. It never
// returns before ctx is done except through a panic-free internal error,
// which is logged and treated as a reconnect trigger.
func (c *Connection) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			c.setState(Closed)
			return
		}

		c.setState(Dialing)
		socket, err := c.dial(ctx)
		if err != nil {
			c.logger.Warn("conn: dial failed", "connection_id", c.ID, "error", err)
			c.recordFailure()
			if !c.sleepBackoff(ctx, attempt) {
				return
			}
			attempt++
			continue
		}

		engine := protocol.NewEngine(socket, c.logger)
		c.mu.Lock()
		c.engine = engine
		c.mu.Unlock()

		c.setState(Authenticating)
		runCtx, cancelRun := context.WithCancel(ctx)
		runDone := make(chan error, 1)
		go func() { runDone <- engine.Run(runCtx) }()

		if err := c.authenticate(runCtx, engine); err != nil {
			c.logger.Warn("conn: authentication failed", "connection_id", c.ID, "error", err)
			cancelRun()
			<-runDone
			c.recordFailure()
			if !c.sleepBackoff(ctx, attempt) {
				return
			}
			attempt++
			continue
		}

		// Reconnection preserves slot intentions; re-create them now so the
		// next request sees a warm connection (spec §4.5).
		c.rewarmSlots(runCtx, engine)

		c.setState(Ready)
		attempt = 0
		c.resetFailures()

		err = c.serve(runCtx, engine)
		cancelRun()
		<-runDone

		if ctx.Err() != nil {
			c.setState(Closed)
			return
		}

		c.logger.Info("conn: connection drained, reconnecting", "connection_id", c.ID, "reason", err)
		c.setState(Closed)
		if !c.sleepBackoff(ctx, attempt) {
			return
		}
		attempt++
	}
}

// serve runs the heartbeat-idle watchdog until the engine reports an error
// or a fatal protocol condition forces a drain.
func (c *Connection) serve(ctx context.Context, engine *protocol.Engine) error {
	idleTimer := time.NewTimer(c.Idle)
	defer idleTimer.Stop()
	defer c.closeEventSink()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case _, ok := <-engine.HeartbeatSeen():
			if !ok {
				return fmt.Errorf("conn: engine closed")
			}
			c.mu.Lock()
			c.lastHeartbeat = time.Now()
			c.consecutiveMissed = 0
			c.mu.Unlock()
			if !idleTimer.Stop() {
				<-idleTimer.C
			}
			idleTimer.Reset(c.Idle)

		case <-idleTimer.C:
			// No inbound heartbeat within the idle window: send a client-side
			// ping. Two consecutive misses drain the connection.
			c.mu.Lock()
			c.consecutiveMissed++
			missed := c.consecutiveMissed
			c.mu.Unlock()

			if missed >= 2 {
				return fmt.Errorf("conn: two consecutive missed heartbeats")
			}
			// Echo the vendor's own ~h~<id> framing back as the client-side
			// idle ping (spec §4.5); missed is already a private monotonic
			// counter, so it doubles as a ping id with no extra state. A full
			// outbound queue here means a dead peer, so the connection drains.
			if err := engine.SendHeartbeat(strconv.Itoa(missed)); err != nil {
				return fmt.Errorf("conn: heartbeat ping: %w", err)
			}
			idleTimer.Reset(c.Idle)

		case evt, ok := <-engine.Events():
			if !ok {
				return fmt.Errorf("conn: engine closed")
			}
			if evt.Tag == protocol.EventCriticalError {
				return fmt.Errorf("conn: critical_error: %s", evt.ErrorMessage)
			}
			// serve is the sole reader of engine.Events(); everything other
			// than a fatal condition is re-forwarded to whichever coordinator
			// currently has a sink attached (AttachEventSink), so a single
			// channel can be watched here for fatal conditions and consumed
			// by the in-flight request at the same time.
			c.mu.Lock()
			sink := c.eventSink
			c.mu.Unlock()
			if sink != nil {
				select {
				case sink <- evt:
				default:
					c.logger.Warn("conn: event sink full, dropping event", "connection_id", c.ID, "tag", evt.Tag)
				}
			}
		}
	}
}

func (c *Connection) rewarmSlots(ctx context.Context, engine *protocol.Engine) {
	c.mu.Lock()
	slots := make([]*SeriesSlot, 0, len(c.seriesSlots))
	for _, s := range c.seriesSlots {
		slots = append(slots, s)
	}
	c.mu.Unlock()

	for _, s := range slots {
		_ = engine.Send(protocol.MethodCreateSeries, []any{"cs", s.ID, "s" + s.ID, s.Symbol, s.Resolution, s.BarCount})
	}
}

func (c *Connection) recordFailure() {
	c.mu.Lock()
	c.consecutiveFailures++
	c.mu.Unlock()
}

func (c *Connection) resetFailures() {
	c.mu.Lock()
	c.consecutiveFailures = 0
	c.mu.Unlock()
}

func (c *Connection) sleepBackoff(ctx context.Context, attempt int) bool {
	delay := c.Backoff.Delay(attempt)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// SeriesSlotForResolution returns an existing series slot whose resolution
// matches, for reuse via modify_series (spec §4.7, testable property 3:
// differing symbols but identical resolution reuses the slot).
func (c *Connection) SeriesSlotForResolution(resolution chart.Resolution) (*SeriesSlot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.seriesSlots {
		if s.Resolution == resolution {
			cp := *s
			return &cp, true
		}
	}
	return nil, false
}

// EnsureSeriesSlot issues create_series (new slot) or modify_series (slot
// reuse, keyed on identical resolution) and updates slot bookkeeping,
// returning the slot id and whether it was newly created.
func (c *Connection) EnsureSeriesSlot(engine *protocol.Engine, symbol string, resolution chart.Resolution, barCount int) (slotID string, created bool, err error) {
	if existing, ok := c.SeriesSlotForResolution(resolution); ok {
		if err := engine.Send(protocol.MethodModifySeries, []any{"cs", existing.ID, symbol, resolution, barCount}); err != nil {
			return "", false, chart.ErrTransport(err)
		}
		c.mu.Lock()
		slot := c.seriesSlots[existing.ID]
		slot.Symbol = symbol
		slot.BarCount = barCount
		slot.LastActivity = time.Now()
		c.mu.Unlock()
		return existing.ID, false, nil
	}

	id := "sds_" + uuid.NewString()
	if err := engine.Send(protocol.MethodCreateSeries, []any{"cs", id, "s" + id, symbol, resolution, barCount}); err != nil {
		return "", false, chart.ErrTransport(err)
	}
	c.mu.Lock()
	c.seriesSlots[id] = &SeriesSlot{ID: id, Symbol: symbol, Resolution: resolution, BarCount: barCount, LastActivity: time.Now()}
	c.mu.Unlock()
	return id, true, nil
}

// EnsureStudySlot issues create_study for the given parent series slot,
// reusing an existing study slot on that series if present.
func (c *Connection) EnsureStudySlot(engine *protocol.Engine, parentSeriesID, templateID string, params []any) (slotID string, err error) {
	c.mu.Lock()
	for _, s := range c.studySlots {
		if s.ParentSeries == parentSeriesID {
			id := s.ID
			c.mu.Unlock()
			return id, nil
		}
	}
	c.mu.Unlock()

	id := "st_" + uuid.NewString()
	args := append([]any{"cs", id, "st1", parentSeriesID, templateID}, params...)
	if err := engine.Send(protocol.MethodCreateStudy, args); err != nil {
		return "", chart.ErrTransport(err)
	}
	c.mu.Lock()
	c.studySlots[id] = &StudySlot{ID: id, StudyID: templateID, ParentSeries: parentSeriesID}
	c.mu.Unlock()
	return id, nil
}

// MarkInFlight/MarkReady transition the connection as the pool hands it out
// to and reclaims it from a request coordinator.
func (c *Connection) MarkInFlight() { c.setState(InFlight) }
func (c *Connection) MarkReady()    { c.setState(Ready) }

// ConsecutiveFailures reports the current dial/auth failure streak, used by
// the pool's health flag.
func (c *Connection) ConsecutiveFailures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consecutiveFailures
}
