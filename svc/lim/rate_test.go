package lim

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestLimiter(globalRPM, burst, conservative int) *Limiter {
	return New(globalRPM, burst, conservative, nil, nil)
}

func TestGetRealIPSpoofResistance(t *testing.T) {
	trustedProxies := []string{"10.0.0.1", "172.16.0.0/12"}

	cases := []struct {
		name       string
		remoteAddr string
		xff        string
		noProxies  bool
		want       string
	}{
		{
			name:       "untrusted peer, header ignored",
			remoteAddr: "192.168.1.100:1234",
			xff:        "1.1.1.1",
			want:       "192.168.1.100",
		},
		{
			name:       "untrusted peer, spoofed chain ignored",
			remoteAddr: "192.168.1.100:1234",
			xff:        "2.2.2.2, 3.3.3.3",
			want:       "192.168.1.100",
		},
		{
			name:       "trusted proxy forwards client",
			remoteAddr: "10.0.0.1:5678",
			xff:        "4.4.4.4",
			want:       "4.4.4.4",
		},
		{
			name:       "rightmost untrusted hop wins over prepended entries",
			remoteAddr: "10.0.0.1:5678",
			xff:        "9.9.9.9, 6.6.6.6, 10.0.0.1",
			want:       "6.6.6.6",
		},
		{
			name:       "trusted CIDR hop is walked past",
			remoteAddr: "10.0.0.1:5678",
			xff:        "7.7.7.7, 172.16.4.2",
			want:       "7.7.7.7",
		},
		{
			name:       "empty header from trusted proxy",
			remoteAddr: "10.0.0.1:5678",
			xff:        "",
			want:       "10.0.0.1",
		},
		{
			name:       "no trusted proxies configured",
			remoteAddr: "203.0.113.9:443",
			xff:        "1.1.1.1",
			noProxies:  true,
			want:       "203.0.113.9",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/comments", nil)
			req.RemoteAddr = tc.remoteAddr
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			proxies := trustedProxies
			if tc.noProxies {
				proxies = nil
			}
			got := GetRealIP(req, proxies)
			if got != tc.want {
				t.Errorf("GetRealIP = %s, want %s (XFF %q, RemoteAddr %s)",
					got, tc.want, tc.xff, tc.remoteAddr)
			}
		})
	}
}

func TestGetRealIPSkipsInvalidHops(t *testing.T) {
	req := httptest.NewRequest("POST", "/comments", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("X-Forwarded-For", "8.8.8.8, not-an-ip, <script>")

	got := GetRealIP(req, []string{"10.0.0.1"})
	if got != "8.8.8.8" {
		t.Errorf("GetRealIP = %s, want 8.8.8.8", got)
	}
}

func TestGetRealIPHopFlood(t *testing.T) {
	// Every hop sits inside the trusted range, so the walk can never
	// settle on a client. It must give up at the hop cap and fall back
	// to the direct peer instead of scanning the whole header.
	hops := make([]string, 500)
	for i := range hops {
		hops[i] = fmt.Sprintf("10.0.%d.%d", i/256, i%256)
	}
	req := httptest.NewRequest("POST", "/comments", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("X-Forwarded-For", strings.Join(hops, ", "))

	start := time.Now()
	got := GetRealIP(req, []string{"10.0.0.0/8"})
	elapsed := time.Since(start)

	if got != "10.0.0.1" {
		t.Errorf("GetRealIP = %s, want fallback to remote addr", got)
	}
	if elapsed > 100*time.Millisecond {
		t.Errorf("flooded header took %v to process", elapsed)
	}
}

func TestAllowFailsClosedWithoutRedis(t *testing.T) {
	l := newTestLimiter(1000, 100, 3)
	defer l.Stop()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if !l.Allow(ctx, "caller-a", "create") {
			t.Fatalf("request %d denied inside the conservative budget", i+1)
		}
	}
	if l.Allow(ctx, "caller-a", "create") {
		t.Fatal("request past the conservative budget was allowed")
	}
}

func TestAllowIsolatesCallers(t *testing.T) {
	l := newTestLimiter(1000, 100, 2)
	defer l.Stop()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		l.Allow(ctx, "caller-a", "create")
	}
	if l.Allow(ctx, "caller-a", "create") {
		t.Fatal("exhausted caller still allowed")
	}
	if !l.Allow(ctx, "caller-b", "create") {
		t.Fatal("fresh caller denied by another caller's bucket")
	}
	if !l.Allow(ctx, "caller-a", "login") {
		t.Fatal("same caller denied on a different endpoint class")
	}
}

func TestCheckLimitLocalFallback(t *testing.T) {
	l := newTestLimiter(1000, 100, 2)
	defer l.Stop()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/comments", nil)
	req.RemoteAddr = "203.0.113.7:4242"

	for i := 0; i < 2; i++ {
		result := l.CheckLimit(rec, req, "create")
		if !result.Allowed {
			t.Fatalf("request %d denied inside the budget", i+1)
		}
		if result.Limit != 2 {
			t.Fatalf("reported limit = %d, want the conservative limit 2", result.Limit)
		}
	}
	result := l.CheckLimit(rec, req, "create")
	if result.Allowed {
		t.Fatal("request past the budget was allowed")
	}
	if result.Reset.Before(time.Now()) {
		t.Error("denied result carries a reset time in the past")
	}
}

func TestAdaptiveModeHalvesLocalLimit(t *testing.T) {
	l := newTestLimiter(1000, 100, 4)
	defer l.Stop()

	l.TriggerAdaptiveMode()

	ctx := context.Background()
	allowed := 0
	for i := 0; i < 4; i++ {
		if l.Allow(ctx, "caller-a", "create") {
			allowed++
		}
	}
	if allowed != 2 {
		t.Fatalf("adaptive mode allowed %d requests, want the halved budget 2", allowed)
	}
}
