package config

import (
	"net/http"
	"testing"
	"time"
)

func TestDefaultMatchesBaseline(t *testing.T) {
	o := Default()
	if o.PingInterval != 25_000*time.Millisecond {
		t.Errorf("PingInterval = %v", o.PingInterval)
	}
	if o.PingTimeout != 5_000*time.Millisecond {
		t.Errorf("PingTimeout = %v", o.PingTimeout)
	}
	if o.UpgradeTimeout != 10_000*time.Millisecond {
		t.Errorf("UpgradeTimeout = %v", o.UpgradeTimeout)
	}
	if o.MaxHTTPBufferSize != 1_000_000 {
		t.Errorf("MaxHTTPBufferSize = %d", o.MaxHTTPBufferSize)
	}
	if len(o.Transports) != 2 || o.Transports[0] != "polling" || o.Transports[1] != "websocket" {
		t.Errorf("Transports = %v", o.Transports)
	}
	if !o.AllowUpgrades {
		t.Error("AllowUpgrades should default true")
	}
	if o.PerMessageDeflate == nil || o.PerMessageDeflate.Threshold != 1024 {
		t.Errorf("PerMessageDeflate = %+v", o.PerMessageDeflate)
	}
	if o.GenerateID == nil {
		t.Error("GenerateID should default to a non-nil generator")
	}
}

func TestOptionsCompose(t *testing.T) {
	o := New(
		WithPingInterval(1*time.Second),
		WithTransports("polling"),
		WithAllowUpgrades(false),
	)
	if o.PingInterval != time.Second {
		t.Errorf("PingInterval = %v", o.PingInterval)
	}
	if len(o.Transports) != 1 || o.Transports[0] != "polling" {
		t.Errorf("Transports = %v", o.Transports)
	}
	if o.AllowUpgrades {
		t.Error("AllowUpgrades should be false")
	}
	// Default() fields not touched by options should remain untouched.
	if o.PingTimeout != 5_000*time.Millisecond {
		t.Errorf("PingTimeout = %v, should be untouched default", o.PingTimeout)
	}
}

func TestWithInitialPacket(t *testing.T) {
	o := New(WithInitialPacket("hello"))
	if !o.HasInitialPacket || o.InitialPacket != "hello" {
		t.Errorf("got HasInitialPacket=%v InitialPacket=%q", o.HasInitialPacket, o.InitialPacket)
	}
}

func TestNormalizedCookieFillsDefaults(t *testing.T) {
	c := &Cookie{}
	norm := c.NormalizedCookie()
	if norm.Name != "io" {
		t.Errorf("Name = %q, want io", norm.Name)
	}
	if norm.Path != "/" {
		t.Errorf("Path = %q, want /", norm.Path)
	}
	if !norm.HTTPOnly {
		t.Error("HTTPOnly should be true")
	}
	if norm.SameSite != http.SameSiteLaxMode {
		t.Errorf("SameSite = %v, want Lax", norm.SameSite)
	}
}

func TestNormalizedCookiePreservesExplicitValues(t *testing.T) {
	c := &Cookie{Name: "custom", Path: "/app", SameSite: http.SameSiteStrictMode}
	norm := c.NormalizedCookie()
	if norm.Name != "custom" || norm.Path != "/app" || norm.SameSite != http.SameSiteStrictMode {
		t.Errorf("got %+v", norm)
	}
}

func TestNormalizedCookieNilIsNil(t *testing.T) {
	var c *Cookie
	if c.NormalizedCookie() != nil {
		t.Error("nil cookie should normalize to nil")
	}
}
