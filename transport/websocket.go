package transport

import (
	"errors"
	"net"
	"sync"

	ws "github.com/gorilla/websocket"

	"github.com/arlobridges/engineio/config"
	"github.com/arlobridges/engineio/internal/xlog"
	"github.com/arlobridges/engineio/wire"
)

var wsLog = xlog.New("engineio:ws")

// WebSocketTransport wraps an already-upgraded gorilla/websocket
// connection. It preserves packet boundaries (supportsFraming = true):
// each outbound Packet is written as its own WebSocket message, and
// each inbound message decodes to exactly one Packet.
type WebSocketTransport struct {
	base

	codec             wire.Codec
	conn              *ws.Conn
	perMessageDeflate *config.Compression

	writeMu sync.Mutex
}

// NewWebSocketTransport wraps conn. The caller has already completed
// the HTTP upgrade handshake.
func NewWebSocketTransport(protocol int, supportsBinary bool, codec wire.Codec, conn *ws.Conn, deflate *config.Compression) *WebSocketTransport {
	t := &WebSocketTransport{
		base:              newBase(protocol, supportsBinary),
		codec:             codec,
		conn:              conn,
		perMessageDeflate: deflate,
	}
	t.setWritable(true)
	go t.readLoop()
	return t
}

func (t *WebSocketTransport) Name() string          { return WebSocket }
func (t *WebSocketTransport) SupportsFraming() bool { return true }
func (t *WebSocketTransport) HandlesUpgrades() bool { return true }

func (t *WebSocketTransport) readLoop() {
	for {
		mt, data, err := t.conn.ReadMessage()
		if err != nil {
			if ws.IsUnexpectedCloseError(err) || errors.Is(err, net.ErrClosed) {
				t.onClose()
			} else {
				t.onError("websocket read error", err)
			}
			return
		}
		if mt == ws.CloseMessage {
			t.onClose()
			return
		}

		var pkt *wire.Packet
		if mt == ws.BinaryMessage {
			pkt = &wire.Packet{Type: wire.Message, Data: string(data), Binary: true}
		} else {
			pkt, err = t.codec.DecodePacket(string(data))
			if err != nil {
				wsLog.Debug("decode error: %v", err)
				pkt = wire.New(wire.Error)
			}
		}
		t.Emit("packet", pkt)
	}
}

// Send writes each packet as one independent WebSocket message; drain
// fires once the whole batch has been handed to the OS.
func (t *WebSocketTransport) Send(packets []*wire.Packet) {
	t.setWritable(false)
	defer func() {
		t.setWritable(true)
		t.Emit("drain")
	}()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	for _, pkt := range packets {
		if err := t.writeOne(pkt); err != nil {
			wsLog.Debug("send error: %v", err)
			if errors.Is(err, net.ErrClosed) {
				t.onClose()
			} else {
				t.onError("websocket error", err)
			}
			return
		}
	}
}

func (t *WebSocketTransport) writeOne(pkt *wire.Packet) error {
	compress := pkt.Opts.Compressed()
	if t.perMessageDeflate != nil {
		mt := ws.TextMessage
		data := pkt.Data
		if pkt.Binary {
			mt = ws.BinaryMessage
		} else {
			enc, err := t.codec.EncodePacket(pkt, t.SupportsBinary())
			if err != nil {
				return err
			}
			data = enc
		}
		if len(data) < t.perMessageDeflate.Threshold {
			compress = false
		}
		t.conn.EnableWriteCompression(compress)
		return t.conn.WriteMessage(mt, []byte(data))
	}

	if pkt.Binary {
		t.conn.EnableWriteCompression(false)
		return t.conn.WriteMessage(ws.BinaryMessage, []byte(pkt.Data))
	}
	data, err := t.codec.EncodePacket(pkt, t.SupportsBinary())
	if err != nil {
		return err
	}
	t.conn.EnableWriteCompression(false)
	return t.conn.WriteMessage(ws.TextMessage, []byte(data))
}

// Close closes the underlying connection. cb runs synchronously once
// the close frame has been sent.
func (t *WebSocketTransport) Close(cb func()) {
	if t.ReadyState() == "closing" || t.ReadyState() == "closed" {
		return
	}
	t.setReadyState("closing")
	t.conn.WriteMessage(ws.CloseMessage, ws.FormatCloseMessage(ws.CloseNormalClosure, ""))
	t.conn.Close()
	t.onClose()
	if cb != nil {
		cb()
	}
}
