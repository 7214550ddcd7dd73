// Package config holds the Engine.IO server's tunables and HTTP-attach
// options, expressed as a plain struct with functional-option
// constructors.
package config

import (
	"net/http"
	"time"

	"github.com/arlobridges/engineio/idgen"
)

// AllowRequestFunc is consulted on every handshake with no existing
// sid; returning an error rejects the handshake with FORBIDDEN.
type AllowRequestFunc func(r *http.Request) error

// Compression configures a threshold-gated compression feature
// (httpCompression or perMessageDeflate).
type Compression struct {
	// Threshold is the minimum payload size, in bytes, before
	// compression is attempted. Below it, data is sent uncompressed.
	Threshold int
}

// Cookie configures the sticky-session cookie injected on the first
// polling response.
type Cookie struct {
	Name     string
	Path     string
	HTTPOnly bool
	SameSite http.SameSite
}

// CORS configures the preflight/response headers applied before
// Server.Verify runs, when non-nil.
type CORS struct {
	AllowOrigin      string
	AllowCredentials bool
	AllowMethods     []string
	AllowHeaders     []string
}

// Options is the full set of server tunables. Build one with
// New and functional With* options; never mutate a shared
// instance after passing it to server.New.
type Options struct {
	PingInterval      time.Duration
	PingTimeout       time.Duration
	UpgradeTimeout    time.Duration
	MaxHTTPBufferSize int64
	Transports        []string
	AllowUpgrades     bool
	PerMessageDeflate *Compression // nil disables
	HTTPCompression   *Compression // nil disables
	Cookie            *Cookie      // nil disables
	CORS              *CORS        // nil disables
	AllowRequest      AllowRequestFunc
	InitialPacket     string
	HasInitialPacket  bool
	GenerateID        idgen.Generator
}

// Option mutates an Options being built.
type Option func(*Options)

// Default returns the engine's baseline tunables: a 25s ping interval,
// 5s ping timeout, 10s upgrade timeout, and the polling+websocket
// transport set with upgrades and both compression layers enabled.
func Default() *Options {
	return &Options{
		PingInterval:      25_000 * time.Millisecond,
		PingTimeout:       5_000 * time.Millisecond,
		UpgradeTimeout:    10_000 * time.Millisecond,
		MaxHTTPBufferSize: 1_000_000,
		Transports:        []string{"polling", "websocket"},
		AllowUpgrades:     true,
		PerMessageDeflate: &Compression{Threshold: 1024},
		HTTPCompression:   &Compression{Threshold: 1024},
		GenerateID:        idgen.Default,
	}
}

// New builds Options from Default() plus the given opts.
func New(opts ...Option) *Options {
	o := Default()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func WithPingInterval(d time.Duration) Option   { return func(o *Options) { o.PingInterval = d } }
func WithPingTimeout(d time.Duration) Option    { return func(o *Options) { o.PingTimeout = d } }
func WithUpgradeTimeout(d time.Duration) Option { return func(o *Options) { o.UpgradeTimeout = d } }
func WithMaxHTTPBufferSize(n int64) Option {
	return func(o *Options) { o.MaxHTTPBufferSize = n }
}
func WithTransports(names ...string) Option { return func(o *Options) { o.Transports = names } }
func WithAllowUpgrades(v bool) Option       { return func(o *Options) { o.AllowUpgrades = v } }
func WithPerMessageDeflate(c *Compression) Option {
	return func(o *Options) { o.PerMessageDeflate = c }
}
func WithHTTPCompression(c *Compression) Option { return func(o *Options) { o.HTTPCompression = c } }
func WithCookie(c *Cookie) Option               { return func(o *Options) { o.Cookie = c } }
func WithCORS(c *CORS) Option                   { return func(o *Options) { o.CORS = c } }
func WithAllowRequest(fn AllowRequestFunc) Option {
	return func(o *Options) { o.AllowRequest = fn }
}
func WithInitialPacket(data string) Option {
	return func(o *Options) { o.InitialPacket = data; o.HasInitialPacket = true }
}
func WithGenerateID(gen idgen.Generator) Option { return func(o *Options) { o.GenerateID = gen } }

// NormalizedCookie fills in the sticky-session cookie defaults
// (name "io", path "/", httpOnly, SameSite=Lax) for any fields left
// zero-valued.
func (c *Cookie) NormalizedCookie() *Cookie {
	if c == nil {
		return nil
	}
	out := *c
	if out.Name == "" {
		out.Name = "io"
	}
	if out.Path == "" {
		out.Path = "/"
	}
	out.HTTPOnly = true
	if out.SameSite == 0 || out.SameSite == http.SameSiteDefaultMode {
		out.SameSite = http.SameSiteLaxMode
	}
	return &out
}
