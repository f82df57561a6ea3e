// Package mock provides test doubles for the live package interfaces.
//
// Use Transport to verify Connect calls and hand out scripted connections.
// Use Conn to inject inbound events and inspect the frames a consumer sent.
//
// Example:
//
//	tr := &mock.Transport{AutoOpen: true}
//	conn, _ := tr.Connect(ctx, cfg)
//	tr.LastConn().Emit(live.Event{Kind: live.EventAudio, Audio: frame})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/tastemate/pkg/audio"
	"github.com/MrWong99/tastemate/pkg/provider/live"
)

// Ensure the mocks implement the live interfaces at compile time.
var (
	_ live.Transport = (*Transport)(nil)
	_ live.Conn      = (*Conn)(nil)
)

// ConnectCall records a single invocation of Transport.Connect.
type ConnectCall struct {
	// Cfg is the SessionConfig passed to Connect.
	Cfg live.SessionConfig
}

// Transport is a mock implementation of live.Transport.
type Transport struct {
	mu sync.Mutex

	// TransportName is returned by Name. Defaults to "mock".
	TransportName string

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// AutoOpen makes every new Conn emit [live.EventOpen] immediately.
	AutoOpen bool

	// Gate, if non-nil, makes Connect block until the channel is closed or
	// ctx is done. Use it to hold a session in the connecting state.
	Gate chan struct{}

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	conns []*Conn
}

// Name implements live.Transport.
func (t *Transport) Name() string {
	if t.TransportName == "" {
		return "mock"
	}
	return t.TransportName
}

// Connect records the call and returns a new Conn or ConnectErr.
func (t *Transport) Connect(ctx context.Context, cfg live.SessionConfig) (live.Conn, error) {
	t.mu.Lock()
	t.ConnectCalls = append(t.ConnectCalls, ConnectCall{Cfg: cfg})
	gate := t.Gate
	t.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ConnectErr != nil {
		return nil, t.ConnectErr
	}
	c := NewConn()
	if t.AutoOpen {
		c.Emit(live.Event{Kind: live.EventOpen})
	}
	t.conns = append(t.conns, c)
	return c, nil
}

// ConnectCount returns the number of Connect calls so far.
func (t *Transport) ConnectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ConnectCalls)
}

// LastConn returns the most recent connection handed out, or nil.
func (t *Transport) LastConn() *Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

// Conn is a mock implementation of live.Conn. Inbound events are injected
// with Emit; outbound frames are recorded.
type Conn struct {
	mu sync.Mutex

	// SendErr, if non-nil, is returned by SendRealtimeInput.
	SendErr error

	// CloseCalls counts calls to Close.
	CloseCalls int

	events chan live.Event
	sent   []audio.EncodedFrame
	sentCh chan struct{}
	closed bool
}

// NewConn returns an open Conn with a generously buffered event channel.
func NewConn() *Conn {
	return &Conn{
		events: make(chan live.Event, 256),
		sentCh: make(chan struct{}, 1024),
	}
}

// Emit delivers ev to the consumer. Events emitted after Close are dropped.
// An [live.EventClosed] event also closes the channel.
func (c *Conn) Emit(ev live.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- ev
	if ev.Kind == live.EventClosed {
		c.closed = true
		close(c.events)
	}
}

// Fail emits an error followed by the final close event, as a real transport
// does when the connection drops.
func (c *Conn) Fail(err error) {
	c.Emit(live.Event{Kind: live.EventError, Err: err})
	c.Emit(live.Event{Kind: live.EventClosed, Err: err})
}

// SendRealtimeInput records frame and returns SendErr.
func (c *Conn) SendRealtimeInput(_ context.Context, frame audio.EncodedFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return c.SendErr
	}
	if c.closed {
		return live.ErrClosed
	}
	c.sent = append(c.sent, frame)
	select {
	case c.sentCh <- struct{}{}:
	default:
	}
	return nil
}

// Sent returns a copy of every frame sent so far.
func (c *Conn) Sent() []audio.EncodedFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]audio.EncodedFrame(nil), c.sent...)
}

// SentSignal receives one value per successfully sent frame.
func (c *Conn) SentSignal() <-chan struct{} { return c.sentCh }

// Events implements live.Conn.
func (c *Conn) Events() <-chan live.Event { return c.events }

// Closed reports whether the connection has been closed by either side.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close implements live.Conn. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CloseCalls++
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.events)
	return nil
}
