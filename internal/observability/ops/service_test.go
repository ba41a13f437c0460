package ops

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	logx "crowdbot/pkg/logx"

	"github.com/prometheus/client_golang/prometheus"
)

func waitForAddr(t *testing.T, s *Service) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := s.Addr(); addr != "" {
			return addr
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("ops server did not start")
	return ""
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
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestServiceServesHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "crowdbot_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	var healthy atomic.Bool
	healthy.Store(true)
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0", Token: "tok"}, reg,
		func(context.Context) (any, bool) { return map[string]any{"dispatch": "idle"}, healthy.Load() },
		logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })
	base := "http://" + waitForAddr(t, s)

	if code, _ := get(t, base+"/healthz", ""); code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", code)
	}
	code, body := get(t, base+"/healthz", "tok")
	if code != http.StatusOK || !strings.Contains(body, `"dispatch":"idle"`) {
		t.Fatalf("healthz = %d %q", code, body)
	}
	code, body = get(t, base+"/metrics?token=tok", "")
	if code != http.StatusOK || !strings.Contains(body, "crowdbot_test_total 1") {
		t.Fatalf("metrics = %d %q", code, body)
	}
	if code, _ := get(t, base+"/debug/pprof/", "tok"); code != http.StatusNotFound {
		t.Fatalf("pprof disabled: status = %d, want 404", code)
	}

	healthy.Store(false)
	if code, _ := get(t, base+"/healthz", "tok"); code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy: status = %d, want 503", code)
	}
}

func TestReconfigureStops(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0", Pprof: true}, prometheus.NewRegistry(), nil, logx.Nop())
	s.Start(context.Background())
	base := "http://" + waitForAddr(t, s)
	if code, _ := get(t, base+"/debug/pprof/", ""); code != http.StatusOK {
		t.Fatalf("pprof status = %d", code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Reconfigure(ctx, Config{Enabled: false})
	if s.Addr() != "" || s.Supervisor() != nil {
		t.Fatal("expected server to be stopped")
	}
}

func TestRefusesPublicBindWithoutToken(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, prometheus.NewRegistry(), nil, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })
	time.Sleep(50 * time.Millisecond)
	if s.Addr() != "" {
		t.Fatal("server must not bind a public address without a token")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:9464": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":9464":          false,
		"0.0.0.0:9464":   false,
		"10.0.0.1:80":    false,
		"nonsense":       false,
	}
	for in, want := range cases {
		if got := IsLoopbackAddr(in); got != want {
			t.Fatalf("IsLoopbackAddr(%q) = %v, want %v", in, got, want)
		}
	}
}
