// Package session implements the per-client Engine.IO state machine:
// handshake, heartbeats, the send buffer, and the upgrade protocol that
// migrates a session from polling to WebSocket without losing packets.
package session

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arlobridges/engineio/internal/eventemitter"
	"github.com/arlobridges/engineio/internal/xlog"
	"github.com/arlobridges/engineio/transport"
	"github.com/arlobridges/engineio/wire"
)

var sessionLog = xlog.New("engineio:session")

// State is one of the readyState values from the session lifecycle.
type State string

const (
	Opening State = "opening"
	Open    State = "open"
	Closing State = "closing"
	Closed  State = "closed"
)

// SendCallback runs once a packet has been handed to the wire.
type SendCallback func()

// HandshakeInfo is what the "open" packet advertises to the client.
type HandshakeInfo struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int64    `json:"pingInterval"`
	PingTimeout  int64    `json:"pingTimeout"`
	MaxPayload   int64    `json:"maxPayload"`
}

// Options configures a Session's heartbeat and upgrade timing; supplied
// by the server from config.Options at handshake time.
type Options struct {
	PingInterval      time.Duration
	PingTimeout       time.Duration
	UpgradeTimeout    time.Duration
	MaxHTTPBufferSize int64
	InitialPacket     string
	HasInitialPacket  bool
	// AvailableUpgrades lists transport names this session could still
	// upgrade to, filtered by what the server allows.
	AvailableUpgrades func(fromTransport string) []string
}

// Session is the logical, transport-independent connection to one
// client. It owns the write buffer, the heartbeat timers and the
// upgrade coordinator that together keep a client's packet stream
// ordered across transport changes.
type Session struct {
	*eventemitter.Emitter

	id            string
	remoteAddress string
	opts          Options
	codec         wire.Codec

	mu         sync.Mutex
	readyState State
	transport  transport.Transport

	upgrading atomic.Bool
	upgraded  atomic.Bool

	writeBuffer    []*wire.Packet
	packetsFn      []SendCallback
	sentCallbackFn [][]SendCallback

	pingIntervalTimer *time.Timer
	pingTimeoutTimer  *time.Timer

	cleanupFns []func()

	flushMu sync.Mutex
}

// New constructs a Session bound to t and immediately performs the open
// handshake: it emits the "open" packet, schedules the first heartbeat,
// and enters the Open state.
func New(id, remoteAddress string, t transport.Transport, codec wire.Codec, opts Options) *Session {
	s := &Session{
		Emitter:       eventemitter.New(),
		id:            id,
		remoteAddress: remoteAddress,
		opts:          opts,
		codec:         codec,
		readyState:    Opening,
	}
	s.setTransport(t)
	s.onOpen()
	return s
}

func (s *Session) ID() string                    { return s.id }
func (s *Session) RemoteAddress() string         { return s.remoteAddress }
func (s *Session) Upgrading() bool               { return s.upgrading.Load() }
func (s *Session) Upgraded() bool                { return s.upgraded.Load() }
func (s *Session) Transport() transport.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

func (s *Session) ReadyState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyState
}

func (s *Session) setReadyState(state State) {
	s.mu.Lock()
	s.readyState = state
	s.mu.Unlock()
}

// onOpen sends the handshake open packet and schedules the first ping.
func (s *Session) onOpen() {
	s.setReadyState(Open)

	if t := s.Transport(); t != nil {
		sessionLog.Debug("handshake success, negotiated protocol revision %d", t.Protocol())
	}

	data, _ := json.Marshal(HandshakeInfo{
		SID:          s.id,
		Upgrades:     s.availableUpgrades(),
		PingInterval: s.opts.PingInterval.Milliseconds(),
		PingTimeout:  s.opts.PingTimeout.Milliseconds(),
		MaxPayload:   s.opts.MaxHTTPBufferSize,
	})
	s.sendPacket(wire.Open, string(data), nil, nil)

	if s.opts.HasInitialPacket {
		s.sendPacket(wire.Message, s.opts.InitialPacket, nil, nil)
	}

	s.Emit("open")
	s.schedulePing()
}

func (s *Session) availableUpgrades() []string {
	if s.opts.AvailableUpgrades == nil {
		return []string{}
	}
	t := s.Transport()
	if t == nil {
		return []string{}
	}
	return s.opts.AvailableUpgrades(t.Name())
}

// --- Heartbeats ---

func (s *Session) schedulePing() {
	s.mu.Lock()
	if s.pingIntervalTimer != nil {
		s.pingIntervalTimer.Stop()
	}
	s.pingIntervalTimer = time.AfterFunc(s.opts.PingInterval, func() {
		sessionLog.Debug("writing ping packet - expecting pong within %dms", s.opts.PingTimeout.Milliseconds())
		s.sendPacket(wire.Ping, "", nil, nil)
		s.resetPingTimeout(s.opts.PingTimeout)
	})
	s.mu.Unlock()
}

func (s *Session) resetPingTimeout(timeout time.Duration) {
	s.mu.Lock()
	if s.pingTimeoutTimer != nil {
		s.pingTimeoutTimer.Stop()
	}
	s.pingTimeoutTimer = time.AfterFunc(timeout, func() {
		if s.ReadyState() == Closed {
			return
		}
		s.onClose("ping timeout", nil)
	})
	s.mu.Unlock()
}

// --- Inbound packets ---

func (s *Session) onPacket(p *wire.Packet) {
	if s.ReadyState() != Open {
		return
	}
	sessionLog.Debug("received packet %s", p.Type)
	s.Emit("packet", p)

	switch p.Type {
	case wire.Ping:
		// Under the older client-pings wire revision an inbound ping is
		// still just a liveness signal answered with a pong.
		s.resetPingTimeout(s.opts.PingInterval + s.opts.PingTimeout)
		s.sendPacket(wire.Pong, "", nil, nil)
		s.Emit("heartbeat")
	case wire.Pong:
		s.mu.Lock()
		if s.pingTimeoutTimer != nil {
			s.pingTimeoutTimer.Stop()
		}
		s.mu.Unlock()
		s.schedulePing()
		s.Emit("heartbeat")
	case wire.Error:
		s.onClose("parse error", nil)
	case wire.Message:
		s.Emit("message", p.Data)
	}
}

func (s *Session) onTransportError(err error) {
	sessionLog.Debug("transport error %v", err)
	s.onClose("transport error", err)
}

// --- Send / flush ---

// Send enqueues a message packet. cb, if non-nil, fires once the packet
// has been handed to the wire. Silently dropped if the session is
// closing or closed.
func (s *Session) Send(data string, opts *wire.Options, cb SendCallback) *Session {
	s.sendPacket(wire.Message, data, opts, cb)
	return s
}

func (s *Session) sendPacket(t wire.Type, data string, opts *wire.Options, cb SendCallback) {
	state := s.ReadyState()
	if state == Closing || state == Closed {
		return
	}
	if opts == nil {
		opts = &wire.Options{}
	}
	pkt := &wire.Packet{Type: t, Data: data, Opts: opts}
	s.Emit("packetCreate", pkt)

	s.mu.Lock()
	s.writeBuffer = append(s.writeBuffer, pkt)
	if cb != nil {
		s.packetsFn = append(s.packetsFn, cb)
	}
	s.mu.Unlock()

	s.flush()
}

// flush hands any buffered packets to the current transport, provided
// it is writable. Ordering is preserved because writeBuffer is only
// ever appended to under s.mu and drained as one atomic slice.
func (s *Session) flush() {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	t := s.Transport()
	if s.ReadyState() == Closed || t == nil || !t.Writable() {
		return
	}

	s.mu.Lock()
	buf := s.writeBuffer
	s.writeBuffer = nil
	fns := s.packetsFn
	s.packetsFn = nil
	s.mu.Unlock()

	if len(buf) == 0 {
		return
	}

	sessionLog.Debug("flushing buffer to transport")
	s.Emit("flush", buf)

	s.mu.Lock()
	if t.SupportsFraming() {
		for _, fn := range fns {
			s.sentCallbackFn = append(s.sentCallbackFn, []SendCallback{fn})
		}
		// pad with no-op callback slots for packets that had none, to
		// keep sentCallbackFn 1:1 with packets on framed transports.
		for i := len(fns); i < len(buf); i++ {
			s.sentCallbackFn = append(s.sentCallbackFn, nil)
		}
	} else if len(fns) > 0 {
		s.sentCallbackFn = append(s.sentCallbackFn, fns)
	} else {
		s.sentCallbackFn = append(s.sentCallbackFn, nil)
	}
	s.mu.Unlock()

	t.Send(buf)
	s.Emit("drain")
}

func (s *Session) onDrain() {
	s.mu.Lock()
	if len(s.sentCallbackFn) == 0 {
		s.mu.Unlock()
		return
	}
	fns := s.sentCallbackFn[0]
	s.sentCallbackFn = s.sentCallbackFn[1:]
	s.mu.Unlock()

	for _, fn := range fns {
		if fn != nil {
			fn()
		}
	}
}

// --- Transport wiring ---

func (s *Session) setTransport(t transport.Transport) {
	onError := func(args ...any) {
		if len(args) > 0 {
			if err, ok := args[0].(error); ok {
				s.onTransportError(err)
				return
			}
		}
		s.onTransportError(nil)
	}
	onReady := func(...any) { s.flush() }
	onPacket := func(args ...any) {
		if len(args) > 0 {
			if p, ok := args[0].(*wire.Packet); ok {
				s.onPacket(p)
			}
		}
	}
	onDrain := func(...any) { s.onDrain() }
	onClose := func(...any) { s.onClose("transport close", nil) }

	s.mu.Lock()
	s.transport = t
	s.mu.Unlock()

	t.Once("error", onError)
	t.On("ready", onReady)
	t.On("packet", onPacket)
	t.On("drain", onDrain)
	t.Once("close", onClose)

	s.mu.Lock()
	s.cleanupFns = append(s.cleanupFns, func() {
		t.RemoveListener("error", onError)
		t.RemoveListener("ready", onReady)
		t.RemoveListener("packet", onPacket)
		t.RemoveListener("drain", onDrain)
		t.RemoveListener("close", onClose)
	})
	s.mu.Unlock()
}

func (s *Session) clearTransport() {
	s.mu.Lock()
	fns := s.cleanupFns
	s.cleanupFns = nil
	t := s.transport
	timer := s.pingTimeoutTimer
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}

	if t != nil {
		t.On("error", func(...any) {
			sessionLog.Debug("error triggered by discarded transport")
		})
		t.Close(nil)
	}
	if timer != nil {
		timer.Stop()
	}
}

// --- Upgrade protocol ---

// MaybeUpgrade runs the upgrade probe/commit protocol against a
// candidate transport t. It is only valid to call while the session is
// on polling and neither upgrading nor already upgraded.
func (s *Session) MaybeUpgrade(t transport.Transport) {
	sessionLog.Debug("might upgrade session transport to %s", t.Name())
	s.upgrading.Store(true)

	var once sync.Once
	var probeTicker *time.Ticker
	probeDone := make(chan struct{})
	var upgradeTimeoutTimer *time.Timer

	cleanup := func() {
		once.Do(func() {
			s.upgrading.Store(false)
			if probeTicker != nil {
				probeTicker.Stop()
				close(probeDone)
			}
			if upgradeTimeoutTimer != nil {
				upgradeTimeoutTimer.Stop()
			}
		})
	}

	var onPacket, onTransportClose, onError eventemitter.Listener
	var stopProbe func()

	check := func() {
		cur := s.Transport()
		if cur != nil && cur.Name() == transport.Polling && cur.Writable() {
			sessionLog.Debug("writing a noop packet to polling for fast upgrade")
			cur.Send([]*wire.Packet{wire.New(wire.Noop)})
		}
	}

	onPacket = func(args ...any) {
		p, _ := args[0].(*wire.Packet)
		if p == nil {
			return
		}
		switch {
		case p.Type == wire.Ping && p.Data == "probe":
			sessionLog.Debug("got probe ping packet, sending pong")
			t.Send([]*wire.Packet{wire.NewData(wire.Pong, "probe")})
			s.Emit("upgrading", t)
			probeTicker = time.NewTicker(100 * time.Millisecond)
			go func() {
				for {
					select {
					case <-probeTicker.C:
						check()
					case <-probeDone:
						return
					}
				}
			}()
		case p.Type == wire.Upgrade && s.ReadyState() != Closed:
			sessionLog.Debug("got upgrade packet - upgrading")
			cleanup()
			stopProbe()

			old := s.Transport()
			if old != nil {
				old.Discard()
			}

			s.upgraded.Store(true)
			s.clearTransport()
			s.setTransport(t)
			s.Emit("upgrade", t)
			s.flush()

			if s.ReadyState() == Closing {
				t.Close(func() { s.onClose("forced close", nil) })
			}
		default:
			cleanup()
			stopProbe()
			t.Close(nil)
		}
	}

	onTransportClose = func(...any) {
		sessionLog.Debug("client did not complete upgrade - candidate transport closed")
		cleanup()
		stopProbe()
	}
	onError = func(...any) {
		sessionLog.Debug("client did not complete upgrade - candidate transport error")
		cleanup()
		stopProbe()
		t.Close(nil)
	}

	stopProbe = func() {
		t.RemoveListener("packet", onPacket)
		t.RemoveListener("close", onTransportClose)
		t.RemoveListener("error", onError)
	}

	upgradeTimeoutTimer = time.AfterFunc(s.opts.UpgradeTimeout, func() {
		sessionLog.Debug("client did not complete upgrade - closing transport")
		cleanup()
		stopProbe()
		if t.ReadyState() == "open" {
			t.Close(nil)
		}
	})

	t.On("packet", onPacket)
	t.Once("close", onTransportClose)
	t.Once("error", onError)
}

// --- Close ---

// onClose fires the terminal close sequence exactly once, per reason,
// with an optional underlying cause.
func (s *Session) onClose(reason string, cause error) {
	if s.ReadyState() == Closed {
		return
	}
	s.setReadyState(Closed)

	s.mu.Lock()
	if s.pingIntervalTimer != nil {
		s.pingIntervalTimer.Stop()
	}
	if s.pingTimeoutTimer != nil {
		s.pingTimeoutTimer.Stop()
	}
	s.packetsFn = nil
	s.sentCallbackFn = nil
	s.mu.Unlock()

	s.clearTransport()

	s.mu.Lock()
	s.writeBuffer = nil
	s.mu.Unlock()

	s.Emit("close", reason, cause)
}

// Close initiates shutdown. With discard=true (used when a new
// transport has already taken over), the current transport is torn
// down immediately with no drain wait. Otherwise, if packets are still
// queued, Close waits for the next drain before tearing the transport
// down.
func (s *Session) Close(discard bool) {
	state := s.ReadyState()

	if discard && (state == Open || state == Closing) {
		s.closeTransport(discard)
		return
	}

	if state != Open {
		return
	}

	s.setReadyState(Closing)

	s.mu.Lock()
	pending := len(s.writeBuffer)
	s.mu.Unlock()

	if pending > 0 {
		s.Once("drain", func(...any) {
			s.closeTransport(discard)
		})
		return
	}

	s.closeTransport(discard)
}

func (s *Session) closeTransport(discard bool) {
	t := s.Transport()
	if discard && t != nil {
		t.Discard()
	}
	if t != nil {
		t.Close(func() { s.onClose("forced close", nil) })
	}
}
