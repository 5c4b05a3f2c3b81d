package pprof

import (
	"context"
	"net/http"
	"testing"
	"time"

	logx "cerebroso/pkg/logx"
)

func waitForAddr(t *testing.T, svc *Service) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := svc.Addr(); addr != "" {
			return addr
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("server did not bind in time")
	return ""
}

func get(t *testing.T, url, bearer string) int {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	return resp.StatusCode
}

func TestServeAndStop(t *testing.T) {
	t.Parallel()

	svc := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, logx.Nop())
	svc.Start(context.Background())
	t.Cleanup(func() { svc.Stop(context.Background()) })

	addr := waitForAddr(t, svc)
	if code := get(t, "http://"+addr+"/healthz", ""); code != http.StatusOK {
		t.Fatalf("healthz = %d, want 200", code)
	}
	if code := get(t, "http://"+addr+"/debug/pprof/", ""); code != http.StatusOK {
		t.Fatalf("pprof index = %d, want 200", code)
	}

	svc.Stop(context.Background())
	if got := svc.Addr(); got != "" {
		t.Fatalf("addr after stop = %q, want empty", got)
	}
}

func TestTokenGuardsEndpoints(t *testing.T) {
	t.Parallel()

	svc := New(Config{Enabled: true, Addr: "127.0.0.1:0", Token: "s3cret"}, logx.Nop())
	svc.Start(context.Background())
	t.Cleanup(func() { svc.Stop(context.Background()) })

	addr := waitForAddr(t, svc)
	if code := get(t, "http://"+addr+"/debug/pprof/", ""); code != http.StatusUnauthorized {
		t.Fatalf("no token = %d, want 401", code)
	}
	if code := get(t, "http://"+addr+"/debug/pprof/", "s3cret"); code != http.StatusOK {
		t.Fatalf("bearer token = %d, want 200", code)
	}
	if code := get(t, "http://"+addr+"/debug/pprof/?token=s3cret", ""); code != http.StatusOK {
		t.Fatalf("query token = %d, want 200", code)
	}
	// Liveness stays open.
	if code := get(t, "http://"+addr+"/healthz", ""); code != http.StatusOK {
		t.Fatalf("healthz = %d, want 200", code)
	}
}

func TestReconfigureRestartsOnBindChange(t *testing.T) {
	t.Parallel()

	svc := New(Config{Enabled: false}, logx.Nop())
	t.Cleanup(func() { svc.Stop(context.Background()) })

	// Disabled config keeps it down.
	svc.Start(context.Background())
	if svc.Addr() != "" {
		t.Fatal("disabled service should not bind")
	}

	svc.Reconfigure(context.Background(), Config{Enabled: true, Addr: "127.0.0.1:0"})
	first := waitForAddr(t, svc)
	if code := get(t, "http://"+first+"/debug/pprof/", ""); code != http.StatusOK {
		t.Fatalf("open server = %d, want 200", code)
	}

	// Auth change restarts the server with the token enforced.
	svc.Reconfigure(context.Background(), Config{Enabled: true, Addr: "127.0.0.1:0", Token: "t"})
	second := waitForAddr(t, svc)
	if code := get(t, "http://"+second+"/debug/pprof/", ""); code != http.StatusUnauthorized {
		t.Fatalf("after auth change = %d, want 401", code)
	}

	svc.Reconfigure(context.Background(), Config{Enabled: false})
	if got := svc.Addr(); got != "" {
		t.Fatalf("addr after disable = %q, want empty", got)
	}
}

func TestLoopbackAddr(t *testing.T) {
	t.Parallel()

	cases := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:6060", true},
		{"localhost:6060", true},
		{"[::1]:6060", true},
		{"0.0.0.0:6060", false},
		{":6060", false},
		{"10.0.0.5:6060", false},
		{"garbage", false},
	}
	for _, c := range cases {
		if got := loopbackAddr(c.addr); got != c.want {
			t.Errorf("loopbackAddr(%q) = %v, want %v", c.addr, got, c.want)
		}
	}
}
