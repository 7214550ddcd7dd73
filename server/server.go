// Package server wires transports, the wire codec and sessions
// together behind a single net/http.Handler: it verifies each request,
// performs the handshake, and routes subsequent requests to the right
// Session by sid.
package server

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	ws "github.com/gorilla/websocket"

	"github.com/arlobridges/engineio/config"
	"github.com/arlobridges/engineio/internal/eventemitter"
	"github.com/arlobridges/engineio/internal/xlog"
	"github.com/arlobridges/engineio/session"
	"github.com/arlobridges/engineio/transport"
	"github.com/arlobridges/engineio/wire"
)

var serverLog = xlog.New("engineio:server")

// errStopOptions short-circuits the middleware chain for a CORS
// preflight request that corsMiddleware has already answered.
var errStopOptions = errStop{}

type errStop struct{}

func (errStop) Error() string { return "preflight handled" }

// Middleware runs before verification on every request. Calling next
// with a non-nil error aborts the request with BAD_REQUEST.
type Middleware func(w http.ResponseWriter, r *http.Request, next func(error))

// Server is a complete Engine.IO endpoint: attach it to an
// http.ServeMux (or use it directly as an http.Handler) and it will
// handshake, upgrade and maintain sessions for as many clients as
// connect.
type Server struct {
	*eventemitter.Emitter

	opts  *config.Options
	codec wire.Codec

	transportNames map[string]bool

	mu           sync.RWMutex
	clients      map[string]*session.Session
	clientsCount atomic.Int64

	middlewares []Middleware
}

// New builds a Server from opts (see config.Default for the baseline).
func New(opts *config.Options) *Server {
	if opts == nil {
		opts = config.Default()
	}
	s := &Server{
		Emitter: eventemitter.New(),
		opts:    opts,
		codec:   wire.NewCodec(),
		clients: make(map[string]*session.Session),
	}
	s.transportNames = make(map[string]bool, len(opts.Transports))
	for _, name := range opts.Transports {
		s.transportNames[name] = true
	}
	if opts.CORS != nil {
		s.Use(corsMiddleware(opts.CORS))
	}
	return s
}

// Clients returns a snapshot of sid -> Session currently tracked.
func (s *Server) Clients() map[string]*session.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*session.Session, len(s.clients))
	for k, v := range s.clients {
		out[k] = v
	}
	return out
}

// ClientsCount returns the number of currently-open sessions.
func (s *Server) ClientsCount() int64 { return s.clientsCount.Load() }

// Use registers fn to run, in order, before every request is verified.
func (s *Server) Use(fn Middleware) {
	s.middlewares = append(s.middlewares, fn)
}

func (s *Server) applyMiddlewares(w http.ResponseWriter, r *http.Request, done func(error)) {
	if len(s.middlewares) == 0 {
		done(nil)
		return
	}
	var apply func(int)
	apply = func(i int) {
		s.middlewares[i](w, r, func(err error) {
			if err != nil {
				done(err)
				return
			}
			if i+1 < len(s.middlewares) {
				apply(i + 1)
			} else {
				done(nil)
			}
		})
	}
	apply(0)
}

// Upgrades lists the transport names a client on fromTransport may
// still upgrade to.
func (s *Server) Upgrades(fromTransport string) []string {
	if !s.opts.AllowUpgrades {
		return []string{}
	}
	if fromTransport == transport.WebSocket {
		return []string{}
	}
	out := []string{}
	if s.transportNames[transport.WebSocket] {
		out = append(out, transport.WebSocket)
	}
	return out
}

// Verify checks a request against the protocol rules shared by the
// handshake and upgrade paths: known transport, well-formed Origin, and
// (for an existing sid) transport continuity.
func (s *Server) Verify(r *http.Request, upgrade bool) (*CodeMessage, map[string]any) {
	transportName := r.URL.Query().Get("transport")
	if !s.transportNames[transportName] {
		serverLog.Debug("unknown transport %q", transportName)
		return ErrUnknownTransport, map[string]any{"transport": transportName}
	}

	if origin := r.Header.Get("Origin"); hasInvalidHeaderChar(origin) {
		serverLog.Debug("origin header invalid")
		return ErrBadRequest, map[string]any{"name": "INVALID_ORIGIN", "origin": origin}
	}

	sid := r.URL.Query().Get("sid")
	if sid != "" {
		s.mu.RLock()
		sess, ok := s.clients[sid]
		s.mu.RUnlock()
		if !ok {
			serverLog.Debug("unknown sid %q", sid)
			return ErrUnknownSID, map[string]any{"sid": sid}
		}
		if prev := sess.Transport(); prev != nil && !upgrade && prev.Name() != transportName {
			serverLog.Debug("bad request: unexpected transport without upgrade")
			return ErrBadRequest, map[string]any{"name": "TRANSPORT_MISMATCH", "transport": transportName, "previousTransport": prev.Name()}
		}
		return nil, nil
	}

	if r.Method != http.MethodGet {
		return ErrBadHandshakeMethod, map[string]any{"method": r.Method}
	}
	if transportName == transport.WebSocket && !upgrade {
		serverLog.Debug("invalid transport upgrade")
		return ErrBadRequest, map[string]any{"name": "TRANSPORT_HANDSHAKE_ERROR"}
	}
	if s.opts.AllowRequest != nil {
		if err := s.opts.AllowRequest(r); err != nil {
			return ErrForbidden, map[string]any{"message": err.Error()}
		}
	}
	return nil, nil
}

func hasInvalidHeaderChar(v string) bool {
	for i := 0; i < len(v); i++ {
		if v[i] < 0x20 && v[i] != '\t' {
			return true
		}
	}
	return false
}

// handshake generates an id, builds the requested transport, creates a
// Session for it and registers it in the client table.
func (s *Server) handshake(transportName string, w http.ResponseWriter, r *http.Request) (*CodeMessage, *session.Session) {
	protocol := 4
	if r.URL.Query().Get("EIO") == "3" {
		protocol = 3
	}

	id, err := s.opts.GenerateID()
	if err != nil {
		serverLog.Debug("error while generating an id")
		s.Emit("connection_error", &ConnectionError{CodeMessage: ErrBadRequest, Context: map[string]any{"name": "ID_GENERATION_ERROR", "error": err}})
		return ErrBadRequest, nil
	}

	serverLog.Debug("handshaking client %q (%s)", id, transportName)

	t := s.createTransport(transportName, protocol, r)
	if t == nil {
		s.Emit("connection_error", &ConnectionError{CodeMessage: ErrBadRequest, Context: map[string]any{"name": "TRANSPORT_HANDSHAKE_ERROR"}})
		return ErrBadRequest, nil
	}

	// The initial GET is parked concurrently with session construction:
	// OnRequest blocks until something flushes into it, and nothing can
	// flush until the Session below exists and sends its open packet.
	var parking sync.WaitGroup
	if p, ok := t.(*transport.PollingTransport); ok {
		p.On("headers", func(args ...any) {
			headers, _ := args[0].(http.Header)
			var req *http.Request
			if len(args) > 1 {
				req, _ = args[1].(*http.Request)
			}
			if req == nil || req.URL.Query().Get("sid") == "" {
				if cookie := s.opts.Cookie.NormalizedCookie(); cookie != nil {
					hc := &http.Cookie{
						Name:     cookie.Name,
						Value:    id,
						Path:     cookie.Path,
						HttpOnly: cookie.HTTPOnly,
						SameSite: cookie.SameSite,
					}
					headers.Set("Set-Cookie", hc.String())
				}
				s.Emit("initial_headers", headers, req)
			}
			s.Emit("headers", headers, req)
		})

		parking.Add(1)
		go func() {
			defer parking.Done()
			p.OnRequest(w, r)
		}()
	}

	sopts := session.Options{
		PingInterval:      s.opts.PingInterval,
		PingTimeout:       s.opts.PingTimeout,
		UpgradeTimeout:    s.opts.UpgradeTimeout,
		MaxHTTPBufferSize: s.opts.MaxHTTPBufferSize,
		InitialPacket:     s.opts.InitialPacket,
		HasInitialPacket:  s.opts.HasInitialPacket,
		AvailableUpgrades: s.Upgrades,
	}
	sess := session.New(id, r.RemoteAddr, t, s.codec, sopts)

	s.mu.Lock()
	s.clients[id] = sess
	s.mu.Unlock()
	s.clientsCount.Add(1)

	sess.Once("close", func(...any) {
		s.mu.Lock()
		delete(s.clients, id)
		s.mu.Unlock()
		s.clientsCount.Add(-1)
	})

	s.Emit("connection", sess)

	parking.Wait()

	return nil, sess
}

func (s *Server) createTransport(name string, protocol int, r *http.Request) transport.Transport {
	supportsBinary := r.URL.Query().Get("b64") == ""
	switch name {
	case transport.Polling:
		return transport.NewPolling(protocol, supportsBinary, s.codec, s.opts.MaxHTTPBufferSize, s.opts.HTTPCompression)
	case transport.WebSocket:
		// Constructed later once the HTTP upgrade has actually happened;
		// see onWebSocket. A bare handshake over "transport=websocket"
		// without an Upgrade header never reaches here (Verify rejects it).
		return nil
	default:
		return nil
	}
}

// HandleRequest handles a non-upgrade HTTP request: either the initial
// handshake, or a subsequent GET/POST against an existing sid.
func (s *Server) HandleRequest(w http.ResponseWriter, r *http.Request) {
	serverLog.Debug("handling %q http request %q", r.Method, r.URL.RequestURI())

	s.applyMiddlewares(w, r, func(err error) {
		if err == errStopOptions {
			return
		}
		if err != nil {
			s.abortRequest(w, r, ErrBadRequest, map[string]any{"name": "MIDDLEWARE_FAILURE"})
			return
		}

		code, ctxErr := s.Verify(r, false)
		if code != nil {
			s.abortRequest(w, r, code, ctxErr)
			return
		}

		if sid := r.URL.Query().Get("sid"); sid != "" {
			serverLog.Debug("setting new request for existing client")
			s.mu.RLock()
			sess, ok := s.clients[sid]
			s.mu.RUnlock()
			if !ok {
				s.abortRequest(w, r, ErrUnknownSID, map[string]any{"sid": sid})
				return
			}
			if p, ok := sess.Transport().(*transport.PollingTransport); ok {
				p.OnRequest(w, r)
			} else {
				s.abortRequest(w, r, ErrBadRequest, map[string]any{"name": "TRANSPORT_MISMATCH"})
			}
			return
		}

		if code, sess := s.handshake(r.URL.Query().Get("transport"), w, r); sess == nil {
			s.abortRequest(w, r, code, nil)
		}
	})
}

// HandleUpgrade performs the WebSocket upgrade handshake and either
// starts a fresh session or hands the new transport to an existing
// session's upgrade coordinator.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	s.applyMiddlewares(w, r, func(err error) {
		if err == errStopOptions {
			return
		}
		if err != nil {
			s.abortRequest(w, r, ErrBadRequest, map[string]any{"name": "MIDDLEWARE_FAILURE"})
			return
		}

		code, ctxErr := s.Verify(r, true)
		if code != nil {
			s.abortRequest(w, r, code, ctxErr)
			return
		}

		upgrader := ws.Upgrader{
			ReadBufferSize:    1024,
			WriteBufferSize:   1024,
			EnableCompression: s.opts.PerMessageDeflate != nil,
			CheckOrigin:       func(*http.Request) bool { return true },
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			serverLog.Debug("websocket error before upgrade: %v", err)
			s.Emit("connection_error", &ConnectionError{CodeMessage: ErrBadRequest, Context: map[string]any{"name": "UPGRADE_FAILURE"}})
			return
		}
		conn.SetReadLimit(s.opts.MaxHTTPBufferSize)
		s.onWebSocket(r, conn)
	})
}

func (s *Server) onWebSocket(r *http.Request, conn *ws.Conn) {
	transportName := r.URL.Query().Get("transport")
	if transportName == transport.Polling {
		serverLog.Debug("transport doesn't handle upgraded requests")
		conn.Close()
		return
	}

	protocol := 4
	if r.URL.Query().Get("EIO") == "3" {
		protocol = 3
	}
	supportsBinary := r.URL.Query().Get("b64") == ""

	id := r.URL.Query().Get("sid")
	if id == "" {
		newID, err := s.opts.GenerateID()
		if err != nil {
			serverLog.Debug("error while generating an id")
			s.Emit("connection_error", &ConnectionError{CodeMessage: ErrBadRequest, Context: map[string]any{"name": "ID_GENERATION_ERROR", "error": err}})
			conn.Close()
			return
		}
		t := transport.NewWebSocketTransport(protocol, supportsBinary, s.codec, conn, s.opts.PerMessageDeflate)
		sopts := session.Options{
			PingInterval:      s.opts.PingInterval,
			PingTimeout:       s.opts.PingTimeout,
			UpgradeTimeout:    s.opts.UpgradeTimeout,
			MaxHTTPBufferSize: s.opts.MaxHTTPBufferSize,
			InitialPacket:     s.opts.InitialPacket,
			HasInitialPacket:  s.opts.HasInitialPacket,
			AvailableUpgrades: s.Upgrades,
		}
		sess := session.New(newID, r.RemoteAddr, t, s.codec, sopts)
		s.registerSession(sess)
		return
	}

	s.mu.RLock()
	sess, ok := s.clients[id]
	s.mu.RUnlock()

	switch {
	case !ok:
		serverLog.Debug("upgrade attempt for closed client")
		conn.Close()
	case sess.Upgrading():
		serverLog.Debug("transport has already been trying to upgrade")
		conn.Close()
	case sess.Upgraded():
		serverLog.Debug("transport had already been upgraded")
		conn.Close()
	default:
		serverLog.Debug("upgrading existing transport")
		t := transport.NewWebSocketTransport(protocol, supportsBinary, s.codec, conn, s.opts.PerMessageDeflate)
		sess.MaybeUpgrade(t)
	}
}

func (s *Server) registerSession(sess *session.Session) {
	s.mu.Lock()
	s.clients[sess.ID()] = sess
	s.mu.Unlock()
	s.clientsCount.Add(1)

	sess.Once("close", func(...any) {
		s.mu.Lock()
		delete(s.clients, sess.ID())
		s.mu.Unlock()
		s.clientsCount.Add(-1)
	})

	s.Emit("connection", sess)
}

// ServeHTTP makes Server a plain http.Handler: a request carrying the
// WebSocket upgrade headers is routed to HandleUpgrade, everything else
// to HandleRequest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if ws.IsWebSocketUpgrade(r) && s.transportNames[transport.WebSocket] {
		s.HandleUpgrade(w, r)
		return
	}
	if ws.IsWebSocketUpgrade(r) {
		http.Error(w, "Not Implemented", http.StatusNotImplemented)
		return
	}
	s.HandleRequest(w, r)
}

// Path returns the normalized attach path (default "/engine.io/").
func Path(raw string) string {
	if raw == "" {
		return "/engine.io/"
	}
	if raw[len(raw)-1] != '/' {
		return raw + "/"
	}
	return raw
}

// Attach registers the server at the normalized path on mux. It does
// not close sessions when the HTTP server shuts down; Close does that.
func (s *Server) Attach(mux *http.ServeMux, path string) {
	mux.HandleFunc(Path(path), s.ServeHTTP)
}

// Close closes every tracked session, discarding their transports
// immediately rather than waiting for a drain.
func (s *Server) Close() {
	serverLog.Debug("closing all open clients")
	s.mu.RLock()
	sessions := make([]*session.Session, 0, len(s.clients))
	for _, sess := range s.clients {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()
	for _, sess := range sessions {
		sess.Close(true)
	}
}

func (s *Server) abortRequest(w http.ResponseWriter, r *http.Request, code *CodeMessage, ctxErr map[string]any) {
	s.Emit("connection_error", &ConnectionError{CodeMessage: code, Context: ctxErr})

	statusCode := http.StatusBadRequest
	if code == ErrForbidden {
		statusCode = http.StatusForbidden
	}
	message := code.Message
	if ctxErr != nil {
		if m, ok := ctxErr["message"].(string); ok {
			message = m
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if b, err := json.Marshal(CodeMessage{Code: code.Code, Message: message}); err == nil {
		w.Write(b)
		return
	}
	io.WriteString(w, `{"code":3,"message":"Bad request"}`)
}

func corsMiddleware(c *config.CORS) Middleware {
	return func(w http.ResponseWriter, r *http.Request, next func(error)) {
		if c.AllowOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", c.AllowOrigin)
		}
		if c.AllowCredentials {
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		if len(c.AllowMethods) > 0 {
			w.Header().Set("Access-Control-Allow-Methods", joinComma(c.AllowMethods))
		}
		if len(c.AllowHeaders) > 0 {
			w.Header().Set("Access-Control-Allow-Headers", joinComma(c.AllowHeaders))
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			next(errStopOptions)
			return
		}
		next(nil)
	}
}

func joinComma(items []string) string {
	out := ""
	for i, v := range items {
		if i > 0 {
			out += ", "
		}
		out += v
	}
	return out
}
