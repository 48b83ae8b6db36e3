package protocol

import (
	"context"
	"fmt"
	"log/slog"
)

// Socket is the minimal transport the engine needs from an underlying
// WebSocket connection. gorilla/websocket's *websocket.Conn satisfies it
// directly; tests substitute a fake.
type Socket interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// TextMessage mirrors gorilla/websocket's message-type constant so callers
// outside this package never need to import gorilla/websocket directly.
const TextMessage = 1

// OutboundQueueSize is the default bound on the per-connection writer queue
// (spec §5, back-pressure).
const OutboundQueueSize = 32

// Engine is C4: the single-threaded-per-connection reader/writer pair that
// frames outbound messages, parses inbound frames, echoes heartbeats, and
// dispatches semantic events.
type Engine struct {
	socket Socket
	logger *slog.Logger

	outbound chan []byte
	events   chan Event

	heartbeatSeen chan struct{}
}

// NewEngine wraps socket with the framing/dispatch engine.
func NewEngine(socket Socket, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		socket:        socket,
		logger:        logger,
		outbound:      make(chan []byte, OutboundQueueSize),
		events:        make(chan Event, OutboundQueueSize),
		heartbeatSeen: make(chan struct{}, 1),
	}
}

// Events returns the channel of dispatched semantic events. Closed when the
// reader loop exits.
func (e *Engine) Events() <-chan Event { return e.events }

// HeartbeatSeen returns a channel that receives a value each time an inbound
// heartbeat is observed, letting the supervisor reset its idle timer.
func (e *Engine) HeartbeatSeen() <-chan struct{} { return e.heartbeatSeen }

// Send enqueues a method call for the writer task. Returns an error if the
// outbound queue is full: per spec §5 this is a programming error for
// requests (never pipelined) but can legitimately happen for a dead peer
// during heartbeats, which the supervisor treats as a drain signal.
func (e *Engine) Send(method string, params []any) error {
	frame, err := EncodeMessage(method, params)
	if err != nil {
		return err
	}
	select {
	case e.outbound <- frame:
		return nil
	default:
		return fmt.Errorf("protocol: outbound queue full sending %s", method)
	}
}

// SendHeartbeat frames and enqueues a client-side heartbeat ping carrying id,
// using the same ~h~<id> framing the vendor uses for its own heartbeats
// (spec §4.5's "client-side ping" during an idle window).
func (e *Engine) SendHeartbeat(id string) error {
	frame := EncodeHeartbeatEcho(id)
	select {
	case e.outbound <- frame:
		return nil
	default:
		return fmt.Errorf("protocol: outbound queue full sending heartbeat ping")
	}
}

// Run starts the reader and writer tasks, blocking until ctx is cancelled or
// the socket errors. It always closes the socket and the events channel on
// exit.
func (e *Engine) Run(ctx context.Context) error {
	writerDone := make(chan struct{})
	readerErr := make(chan error, 1)

	go e.writeLoop(ctx, writerDone)
	go e.readLoop(readerErr)

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case err = <-readerErr:
	}

	e.socket.Close()
	<-writerDone
	close(e.events)
	return err
}

func (e *Engine) writeLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-e.outbound:
			if !ok {
				return
			}
			if err := e.socket.WriteMessage(TextMessage, frame); err != nil {
				e.logger.Debug("protocol: write failed", "error", err)
				return
			}
		}
	}
}

func (e *Engine) readLoop(errc chan<- error) {
	var buf []byte
	for {
		_, data, err := e.socket.ReadMessage()
		if err != nil {
			errc <- fmt.Errorf("protocol: read failed: %w", err)
			return
		}
		buf = append(buf, data...)

		payloads, consumed := DecodeFrames(buf)
		buf = append([]byte(nil), buf[consumed:]...)

		for _, payload := range payloads {
			if id, ok := IsHeartbeat(payload); ok {
				e.echoHeartbeat(id)
				continue
			}
			evt, err := ParseEvent(payload)
			if err != nil {
				e.logger.Warn("protocol: malformed event payload", "error", err)
				continue
			}
			if evt.Unknown {
				e.logger.Debug("protocol: dropping unrecognized event", "method", evt.Tag)
				continue
			}
			e.events <- evt
		}
	}
}

func (e *Engine) echoHeartbeat(id string) {
	select {
	case e.heartbeatSeen <- struct{}{}:
	default:
	}
	frame := EncodeHeartbeatEcho(id)
	select {
	case e.outbound <- frame:
	default:
		e.logger.Warn("protocol: heartbeat echo dropped, outbound queue full", "id", id)
	}
}
