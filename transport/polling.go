package transport

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"

	"github.com/arlobridges/engineio/config"
	"github.com/arlobridges/engineio/internal/xlog"
	"github.com/arlobridges/engineio/wire"
)

var pollingLog = xlog.New("engineio:polling")

// pollKeepAlive bounds how long a parked GET is held open with nothing
// to send before it is released with a noop packet.
const pollKeepAlive = 25 * time.Second

const closeTimeout = 30 * time.Second

// PollingTransport is the long-polling HTTP transport: outbound packets are
// buffered until a GET arrives to carry them; inbound packets arrive as
// POST bodies. supportsFraming is false — all pending packets are
// concatenated into one response body.
type PollingTransport struct {
	base

	codec             wire.Codec
	maxHTTPBufferSize int64
	httpCompression   *config.Compression

	mu           sync.Mutex
	parkedW      http.ResponseWriter
	parkedR      *http.Request
	parkedDone   chan struct{}
	pollTimer    *time.Timer
	pendingBatch []*wire.Packet
	postInFlight bool
	shouldClose  func()
}

// NewPolling constructs a Polling transport. protocol is the Engine.IO
// wire revision (3 or 4) negotiated from the handshake's EIO query
// parameter; supportsBinary is false when the client requested base64
// framing (b64=1).
func NewPolling(protocol int, supportsBinary bool, codec wire.Codec, maxHTTPBufferSize int64, compression *config.Compression) *PollingTransport {
	return &PollingTransport{
		base:              newBase(protocol, supportsBinary),
		codec:             codec,
		maxHTTPBufferSize: maxHTTPBufferSize,
		httpCompression:   compression,
	}
}

func (p *PollingTransport) Name() string            { return Polling }
func (p *PollingTransport) SupportsFraming() bool   { return false }
func (p *PollingTransport) HandlesUpgrades() bool   { return false }

// OnRequest dispatches an incoming HTTP request to the GET (poll) or
// POST (data) handler. At most one of each may be in flight at a time;
// a second concurrent one of either kind is rejected as a protocol
// error rather than silently replacing the first.
func (p *PollingTransport) OnRequest(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		p.onPollRequest(w, r)
	case http.MethodPost:
		p.onDataRequest(w, r)
	default:
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func (p *PollingTransport) onPollRequest(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	if p.parkedW != nil {
		p.mu.Unlock()
		pollingLog.Debug("request overlap")
		p.onError("overlap from client", nil)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	done := make(chan struct{})
	p.parkedW = w
	p.parkedR = r
	p.parkedDone = done
	p.setWritable(true)
	p.pollTimer = time.AfterFunc(pollKeepAlive, func() { p.Send([]*wire.Packet{wire.New(wire.Noop)}) })
	pending := p.pendingBatch
	p.pendingBatch = nil
	shouldClose := p.shouldClose
	p.mu.Unlock()

	p.Emit("ready")

	if len(pending) > 0 {
		p.writeNow(pending)
	} else if shouldClose != nil {
		// a close was requested while we had nothing parked; now that a
		// poll has arrived, append the close packet right away.
		p.Send(nil)
	}

	select {
	case <-done:
	case <-r.Context().Done():
		p.mu.Lock()
		if p.parkedW == w {
			p.parkedW = nil
			p.parkedR = nil
			p.parkedDone = nil
		}
		p.mu.Unlock()
		p.setWritable(false)
		p.onError("poll connection closed prematurely", nil)
	}
}

func (p *PollingTransport) onDataRequest(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	if p.postInFlight {
		p.mu.Unlock()
		p.onError("data request overlap from client", nil)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	p.postInFlight = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.postInFlight = false
		p.mu.Unlock()
	}()

	if r.ContentLength > p.maxHTTPBufferSize {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, p.maxHTTPBufferSize+1))
	r.Body.Close()
	if err != nil {
		p.onError("body read error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if int64(len(body)) > p.maxHTTPBufferSize {
		p.onError("payload too large", nil)
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		return
	}

	p.onData(string(body))

	w.Header().Set("Content-Type", "text/html")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "ok")
}

func (p *PollingTransport) onData(data string) {
	pollingLog.Debug("received %q", data)
	packets, err := p.codec.DecodePayload(data)
	if err != nil {
		p.Emit("packet", wire.New(wire.Error))
		return
	}
	for _, pkt := range packets {
		if pkt.Type == wire.Close {
			pollingLog.Debug("got close packet")
			p.onClose()
			return
		}
		p.Emit("packet", pkt)
	}
}

// Send enqueues packets for delivery: written immediately to the parked
// GET if one is waiting, otherwise buffered until the next one arrives.
func (p *PollingTransport) Send(packets []*wire.Packet) {
	p.mu.Lock()
	if shouldClose := p.shouldClose; shouldClose != nil {
		packets = append(packets, wire.New(wire.Close))
		p.shouldClose = nil
		defer shouldClose()
	}
	if !p.Writable() || p.parkedW == nil {
		p.pendingBatch = append(p.pendingBatch, packets...)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.writeNow(packets)
}

func (p *PollingTransport) writeNow(packets []*wire.Packet) {
	p.mu.Lock()
	w, r, done, timer := p.parkedW, p.parkedR, p.parkedDone, p.pollTimer
	p.parkedW, p.parkedR, p.parkedDone, p.pollTimer = nil, nil, nil, nil
	p.setWritable(false)
	p.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if w == nil {
		p.onError("polling write error", errors.New("no parked response"))
		return
	}

	compress := false
	for _, pkt := range packets {
		if pkt.Opts.Compressed() {
			compress = true
			break
		}
	}

	payload, err := p.codec.EncodePayload(packets, p.SupportsBinary())
	if err != nil {
		p.onError("encode error", err)
		close(done)
		return
	}

	data := []byte(payload)
	encoding := ""
	if compress && p.httpCompression != nil && len(data) >= p.httpCompression.Threshold {
		if enc := negotiateEncoding(r.Header.Get("Accept-Encoding")); enc != "" {
			if compressed, err := compressBytes(data, enc); err == nil {
				data = compressed
				encoding = enc
			}
		}
	}

	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	w.Header().Set("Cache-Control", "no-store")
	if encoding != "" {
		w.Header().Set("Content-Encoding", encoding)
	}
	if ua := r.UserAgent(); strings.Contains(ua, ";MSIE") || strings.Contains(ua, "Trident/") {
		w.Header().Set("X-XSS-Protection", "0")
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	p.Emit("headers", w.Header(), r)
	w.WriteHeader(http.StatusOK)
	w.Write(data)

	close(done)
	p.Emit("drain")
}

func negotiateEncoding(acceptEncoding string) string {
	for _, candidate := range []string{"br", "zstd", "gzip", "deflate"} {
		if strings.Contains(acceptEncoding, candidate) {
			return candidate
		}
	}
	return ""
}

func compressBytes(data []byte, encoding string) ([]byte, error) {
	var buf bytes.Buffer
	switch encoding {
	case "gzip":
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case "deflate":
		w, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case "br":
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case "zstd":
		w, err := zstd.NewWriter(&buf)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	default:
		return data, nil
	}
	return buf.Bytes(), nil
}

// Close initiates an orderly shutdown of the polling transport: if a GET
// is currently parked, the close packet rides that response right away;
// a discarded transport finishes at once without sending it; otherwise
// it waits (up to closeTimeout) for the next poll to carry it.
func (p *PollingTransport) Close(cb func()) {
	if p.ReadyState() == "closing" || p.ReadyState() == "closed" {
		return
	}
	p.setReadyState("closing")

	finish := func() {
		p.onClose()
		if cb != nil {
			cb()
		}
	}

	p.mu.Lock()
	writable := p.Writable() && p.parkedW != nil
	discarded := p.Discarded()
	p.mu.Unlock()

	switch {
	case writable:
		p.Send([]*wire.Packet{wire.New(wire.Close)})
		finish()
	case discarded:
		finish()
	default:
		timer := time.AfterFunc(closeTimeout, finish)
		p.mu.Lock()
		p.shouldClose = func() {
			timer.Stop()
			finish()
		}
		p.mu.Unlock()
	}
}
