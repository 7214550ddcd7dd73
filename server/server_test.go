package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/arlobridges/engineio/config"
)

func newTestServer(opts ...config.Option) *Server {
	base := []config.Option{WithFixedIDs()}
	base = append(base, opts...)
	return New(config.New(base...))
}

// WithFixedIDs makes handshakes deterministic for assertions.
func WithFixedIDs() config.Option {
	n := 0
	return config.WithGenerateID(func() (string, error) {
		n++
		return "fixed-sid-" + itoa(n), nil
	})
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}

func TestHandshakeOverPollingCreatesSession(t *testing.T) {
	s := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/engine.io/?EIO=4&transport=polling", nil)
	rec := httptest.NewRecorder()

	s.HandleRequest(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if s.ClientsCount() != 1 {
		t.Fatalf("ClientsCount() = %d, want 1", s.ClientsCount())
	}

	body := rec.Body.String()
	if len(body) < 2 || body[0] != '0' {
		t.Fatalf("expected an open packet (leading '0'), got %q", body)
	}

	var hs struct {
		SID          string   `json:"sid"`
		Upgrades     []string `json:"upgrades"`
		PingInterval int64    `json:"pingInterval"`
		PingTimeout  int64    `json:"pingTimeout"`
	}
	if err := json.Unmarshal([]byte(body[1:]), &hs); err != nil {
		t.Fatalf("failed to decode handshake JSON: %v", err)
	}
	if hs.SID == "" {
		t.Error("expected a non-empty sid")
	}
	if len(hs.Upgrades) != 1 || hs.Upgrades[0] != "websocket" {
		t.Errorf("Upgrades = %v, want [websocket]", hs.Upgrades)
	}
}

func TestUnknownTransportRejected(t *testing.T) {
	s := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/engine.io/?transport=carrier-pigeon", nil)
	rec := httptest.NewRecorder()
	s.HandleRequest(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var body CodeMessage
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Code != ErrUnknownTransport.Code {
		t.Errorf("code = %d, want %d", body.Code, ErrUnknownTransport.Code)
	}
}

func TestUnknownSIDRejected(t *testing.T) {
	s := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/engine.io/?transport=polling&sid=does-not-exist", nil)
	rec := httptest.NewRecorder()
	s.HandleRequest(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var body CodeMessage
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Code != ErrUnknownSID.Code {
		t.Errorf("code = %d, want %d", body.Code, ErrUnknownSID.Code)
	}
	if s.ClientsCount() != 0 {
		t.Errorf("ClientsCount() = %d, want 0", s.ClientsCount())
	}
}

func TestBadHandshakeMethodRejected(t *testing.T) {
	s := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/engine.io/?transport=polling", nil)
	rec := httptest.NewRecorder()
	s.HandleRequest(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var body CodeMessage
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Code != ErrBadHandshakeMethod.Code {
		t.Errorf("code = %d, want %d", body.Code, ErrBadHandshakeMethod.Code)
	}
}

func TestAllowRequestCanForbidHandshake(t *testing.T) {
	s := New(config.New(
		config.WithAllowRequest(func(r *http.Request) error {
			return errForbiddenTest
		}),
	))

	req := httptest.NewRequest(http.MethodGet, "/engine.io/?transport=polling", nil)
	rec := httptest.NewRecorder()
	s.HandleRequest(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

var errForbiddenTest = forbiddenErr{}

type forbiddenErr struct{}

func (forbiddenErr) Error() string { return "nope" }

func TestConnectionEventFires(t *testing.T) {
	s := newTestServer()

	fired := make(chan struct{}, 1)
	s.On("connection", func(args ...any) { fired <- struct{}{} })

	req := httptest.NewRequest(http.MethodGet, "/engine.io/?transport=polling", nil)
	rec := httptest.NewRecorder()
	s.HandleRequest(rec, req)

	select {
	case <-fired:
	default:
		t.Error("expected a connection event to fire synchronously during handshake")
	}
}

func TestVerifyRejectsInvalidOriginHeader(t *testing.T) {
	s := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/engine.io/?transport=polling", nil)
	req.Header.Set("Origin", "http://example.com\x01evil")
	code, _ := s.Verify(req, false)
	if code != ErrBadRequest {
		t.Errorf("Verify() code = %v, want ErrBadRequest", code)
	}
}

func TestCloseTearsDownAllSessions(t *testing.T) {
	s := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/engine.io/?transport=polling", nil)
	rec := httptest.NewRecorder()
	s.HandleRequest(rec, req)

	if s.ClientsCount() != 1 {
		t.Fatalf("ClientsCount() = %d, want 1", s.ClientsCount())
	}

	s.Close()

	if s.ClientsCount() != 0 {
		t.Errorf("ClientsCount() = %d after Close(), want 0", s.ClientsCount())
	}
}

func TestPathNormalization(t *testing.T) {
	cases := map[string]string{
		"":             "/engine.io/",
		"/engine.io":   "/engine.io/",
		"/engine.io/":  "/engine.io/",
		"/custom/path": "/custom/path/",
	}
	for in, want := range cases {
		if got := Path(in); got != want {
			t.Errorf("Path(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAttachRegistersHandler(t *testing.T) {
	s := newTestServer()
	mux := http.NewServeMux()
	s.Attach(mux, "/engine.io")

	req := httptest.NewRequest(http.MethodGet, "/engine.io/?transport=polling", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandshakeSetsStickySessionCookie(t *testing.T) {
	s := newTestServer(config.WithCookie(&config.Cookie{Name: "io"}))

	req := httptest.NewRequest(http.MethodGet, "/engine.io/?EIO=4&transport=polling", nil)
	rec := httptest.NewRecorder()
	s.HandleRequest(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("got %d Set-Cookie headers, want 1", len(cookies))
	}
	c := cookies[0]
	if c.Name != "io" {
		t.Errorf("cookie name = %q, want %q", c.Name, "io")
	}
	if c.Value == "" {
		t.Error("expected the cookie value to carry the session id")
	}
	if c.Path != "/" {
		t.Errorf("cookie path = %q, want \"/\"", c.Path)
	}
	if !c.HttpOnly {
		t.Error("expected HttpOnly to be set")
	}
}

func TestHandshakeWithNoCookieConfiguredSetsNoCookie(t *testing.T) {
	s := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/engine.io/?EIO=4&transport=polling", nil)
	rec := httptest.NewRecorder()
	s.HandleRequest(rec, req)

	if len(rec.Result().Cookies()) != 0 {
		t.Errorf("expected no Set-Cookie header, got %v", rec.Result().Cookies())
	}
}

func TestDirectWebSocketHandshakeCreatesSession(t *testing.T) {
	s := newTestServer()
	srv := httptest.NewServer(s)
	defer srv.Close()

	connected := make(chan struct{}, 1)
	s.On("connection", func(args ...any) { connected <- struct{}{} })

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/engine.io/?EIO=4&transport=websocket"
	conn, _, err := ws.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(data) == 0 || data[0] != '0' {
		t.Fatalf("expected an open packet, got %q", data)
	}

	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("expected a connection event for the direct websocket handshake")
	}
	if s.ClientsCount() != 1 {
		t.Errorf("ClientsCount() = %d, want 1", s.ClientsCount())
	}
}

func TestWebSocketUpgradeOfExistingSession(t *testing.T) {
	s := newTestServer()
	srv := httptest.NewServer(s)
	defer srv.Close()

	pollResp, err := http.Get(srv.URL + "/engine.io/?EIO=4&transport=polling")
	if err != nil {
		t.Fatalf("initial poll failed: %v", err)
	}
	defer pollResp.Body.Close()
	body := make([]byte, 4096)
	n, _ := pollResp.Body.Read(body)
	var hs struct {
		SID string `json:"sid"`
	}
	if err := json.Unmarshal(body[1:n], &hs); err != nil {
		t.Fatalf("failed to decode handshake: %v", err)
	}
	if hs.SID == "" {
		t.Fatal("expected a non-empty sid")
	}

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/engine.io/?EIO=4&transport=websocket&sid=" + hs.SID
	conn, _, err := ws.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("upgrade dial failed: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(ws.TextMessage, []byte("2probe")); err != nil {
		t.Fatalf("probe write failed: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("probe response read failed: %v", err)
	}
	if string(data) != "3probe" {
		t.Fatalf("got %q, want pong probe", data)
	}

	if err := conn.WriteMessage(ws.TextMessage, []byte("5")); err != nil {
		t.Fatalf("upgrade write failed: %v", err)
	}

	if s.ClientsCount() != 1 {
		t.Errorf("ClientsCount() = %d, want 1 (same session, now upgraded)", s.ClientsCount())
	}
}

func TestCORSPreflightShortCircuitsMiddlewareChain(t *testing.T) {
	s := New(config.New(config.WithCORS(&config.CORS{
		AllowOrigin:  "https://example.com",
		AllowMethods: []string{"GET", "POST"},
	})))

	req := httptest.NewRequest(http.MethodOptions, "/engine.io/?transport=polling", nil)
	rec := httptest.NewRecorder()
	s.HandleRequest(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://example.com" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "https://example.com")
	}
}
