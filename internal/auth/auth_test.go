package auth_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/marsnext/mars/internal/auth"
)

func TestAPIKeyProvider_Pairs(t *testing.T) {
	p := auth.NewAPIKeyProvider([]string{"alice:k1", "broken", ":nouser", "bob:"}, "")
	if !p.Enabled() {
		t.Fatal("Enabled() = false, want true")
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "k1")
	id, err := p.Authenticate(context.Background(), req)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if id.Subject != "alice" || id.Provider != "apikey" {
		t.Errorf("Authenticate() = %+v, want alice via apikey", id)
	}

	req.Header.Set("X-API-Key", "nouser")
	if _, err := p.Authenticate(context.Background(), req); err == nil {
		t.Error("Authenticate() with a malformed entry's key succeeded, want error")
	}
}

func TestAPIKeyProvider_NoKeyPresent(t *testing.T) {
	p := auth.NewAPIKeyProvider([]string{"alice:k1"}, "X-API-Key")

	id, err := p.Authenticate(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	if id != nil || err != nil {
		t.Errorf("Authenticate() = %v, %v, want nil, nil", id, err)
	}
}

func TestAPIKeyProvider_AddRemove(t *testing.T) {
	p := auth.NewAPIKeyProvider(nil, "")
	if p.Enabled() {
		t.Error("Enabled() = true with no keys, want false")
	}
	p.AddKey("dave", "k9")
	if !p.Enabled() {
		t.Error("Enabled() = false after AddKey, want true")
	}
	p.RemoveKey("k9")
	if p.Enabled() {
		t.Error("Enabled() = true after RemoveKey, want false")
	}
}

func TestSessionProvider_RoundTrip(t *testing.T) {
	p := auth.NewSessionProvider("s3cret")
	token, err := p.IssueToken("user-1", "u1@example.com", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(auth.SessionHeader, token)
	id, err := p.Authenticate(context.Background(), req)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if id.Subject != "user-1" || id.Email != "u1@example.com" || id.Provider != "session" {
		t.Errorf("Authenticate() = %+v, want user-1 session identity", id)
	}
}

func TestSessionProvider_Rejects(t *testing.T) {
	p := auth.NewSessionProvider("s3cret")
	other := auth.NewSessionProvider("other-secret")

	valid, _ := p.IssueToken("user-1", "", time.Hour)
	forged, _ := other.IssueToken("user-1", "", time.Hour)
	expired, _ := p.IssueToken("user-1", "", -time.Hour)
	tampered := "x" + valid

	tests := []struct {
		name  string
		token string
		want  string
	}{
		{"forged", forged, "signature mismatch"},
		{"expired", expired, "token expired"},
		{"tampered", tampered, "invalid"},
		{"malformed", "no-dot", "malformed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set(auth.SessionHeader, tt.token)
			_, err := p.Authenticate(context.Background(), req)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Authenticate() error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestSessionProvider_Disabled(t *testing.T) {
	p := auth.NewSessionProvider("")
	if p.Enabled() {
		t.Error("Enabled() = true without a secret, want false")
	}
	if _, err := p.IssueToken("u", "", time.Hour); err == nil {
		t.Error("IssueToken() error = nil, want error when disabled")
	}
}

func TestProviderChain_Order(t *testing.T) {
	c := auth.NewProviderChain()
	c.RegisterProvider(auth.NewSessionProvider(""))
	c.RegisterProvider(auth.NewAPIKeyProvider([]string{"alice:k1"}, ""))

	got := c.ListProviders()
	if len(got) != 2 || got[0] != "session" || got[1] != "apikey" {
		t.Errorf("ListProviders() = %v, want [session apikey]", got)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer k1")
	id, err := c.Authenticate(context.Background(), req)
	if err != nil || id == nil || id.Subject != "alice" {
		t.Errorf("Authenticate() = %+v, %v, want alice", id, err)
	}
}
