package pprof

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"kiwi/pkg/logx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	tests := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:1":    true,
		"[::1]:6060":     true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"10.0.0.1:80":    false,
		"garbage":        false,
	}
	for addr, want := range tests {
		if got := isLoopbackAddr(addr); got != want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestNormalizePrefix(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]string{"": "/debug/pprof/", "dbg": "/dbg/", "/x/": "/x/"} {
		if got := normalizePrefix(in); got != want {
			t.Errorf("normalizePrefix(%q) = %q, want %q", in, got, want)
		}
	}
}

func get(t *testing.T, url, token string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	c := &http.Client{Timeout: 5 * time.Second, Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestServeWithTokenAndExtraHandler(t *testing.T) {
	status := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0", Token: "s3cret"}, logx.Nop(), map[string]http.Handler{"/status": status})
	ctx := context.Background()
	s.Start(ctx)
	defer s.Stop(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for s.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server never bound")
		}
		time.Sleep(10 * time.Millisecond)
	}
	base := "http://" + s.Addr()

	if code, _ := get(t, base+"/healthz", ""); code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", code)
	}
	if code, body := get(t, base+"/healthz", "s3cret"); code != http.StatusOK || body != "ok" {
		t.Fatalf("healthz: %d %q", code, body)
	}
	if code, body := get(t, base+"/status?token=s3cret", ""); code != http.StatusOK || !strings.Contains(body, `"ok"`) {
		t.Fatalf("status: %d %q", code, body)
	}
	if code, _ := get(t, base+"/debug/pprof/", "s3cret"); code != http.StatusOK {
		t.Fatalf("pprof index: %d", code)
	}
}

func TestReconfigureDisables(t *testing.T) {
	ctx := context.Background()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, logx.Nop(), nil)
	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	if !s.Enabled() {
		t.Fatal("expected enabled")
	}
	s.Reconfigure(ctx, Config{})
	if s.Enabled() || s.Addr() != "" {
		t.Fatalf("still serving on %q", s.Addr())
	}
}
