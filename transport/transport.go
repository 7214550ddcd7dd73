// Package transport implements the two concrete wire realizations of a
// session: long-polling HTTP and WebSocket. Both share the base type
// defined here, which owns the common event-emitter, readyState and
// discard bookkeeping; each variant overrides Name, Send, Close and
// (for polling only) OnRequest.
package transport

import (
	"sync/atomic"

	"github.com/arlobridges/engineio/internal/eventemitter"
	"github.com/arlobridges/engineio/wire"
)

// Transport names recognized on the wire.
const (
	Polling   = "polling"
	WebSocket = "websocket"
)

// Transport is the capability set a Session drives. OnRequest is
// implemented only by the polling variant; callers type-assert to
// *transport.PollingTransport before invoking it, rather than it being
// part of every Transport's contract.
type Transport interface {
	Name() string
	ReadyState() string
	Writable() bool
	Discarded() bool
	Discard()
	SupportsFraming() bool
	SupportsBinary() bool
	SetSupportsBinary(bool)
	HandlesUpgrades() bool
	Protocol() int

	Send(packets []*wire.Packet)
	// Close initiates an orderly shutdown; cb (if non-nil) runs once the
	// close has completed. Close fires the "close" event exactly once.
	Close(cb func())

	On(evt string, fn eventemitter.Listener)
	Once(evt string, fn eventemitter.Listener)
	Emit(evt string, args ...any)
	RemoveListener(evt string, fn eventemitter.Listener)
}

// base holds the state and signaling shared by every Transport variant.
type base struct {
	*eventemitter.Emitter

	readyState atomic.Value // string
	writable   atomic.Bool
	discarded  atomic.Bool
	binary     atomic.Bool // !supportsBinary negated at construction

	protocol int
}

func newBase(protocol int, supportsBinary bool) base {
	b := base{Emitter: eventemitter.New(), protocol: protocol}
	b.readyState.Store("open")
	b.binary.Store(supportsBinary)
	return b
}

func (b *base) ReadyState() string {
	v, _ := b.readyState.Load().(string)
	return v
}

func (b *base) setReadyState(s string) { b.readyState.Store(s) }

func (b *base) Writable() bool        { return b.writable.Load() }
func (b *base) setWritable(v bool)    { b.writable.Store(v) }
func (b *base) Discarded() bool       { return b.discarded.Load() }
func (b *base) Discard()              { b.discarded.Store(true) }
func (b *base) SupportsBinary() bool  { return b.binary.Load() }
func (b *base) SetSupportsBinary(v bool) { b.binary.Store(v) }
func (b *base) Protocol() int         { return b.protocol }

// onError emits "error" if anyone is listening, otherwise swallows it —
// this is expected once a transport has been discarded in favor of an
// upgrade: nothing is left attached to hear about it.
func (b *base) onError(msg string, cause error) {
	if b.ListenerCount("error") > 0 {
		b.Emit("error", &TransportError{Msg: msg, Cause: cause})
	}
}

// onClose marks the transport closed and emits "close" at most once.
func (b *base) onClose() {
	if b.ReadyState() == "closed" {
		return
	}
	b.setReadyState("closed")
	b.Emit("close")
}

// TransportError wraps a transport-level failure with a short reason,
// mirroring the reason/cause pair the session surfaces to the
// application on close.
type TransportError struct {
	Msg   string
	Cause error
}

func (e *TransportError) Error() string {
	if e.Cause == nil {
		return e.Msg
	}
	return e.Msg + ": " + e.Cause.Error()
}

func (e *TransportError) Unwrap() error { return e.Cause }

// OnRequest exists only on *PollingTransport; callers type-assert a
// Transport to *transport.PollingTransport before invoking it, per the design note that
// request-handling is not part of every transport's contract.
