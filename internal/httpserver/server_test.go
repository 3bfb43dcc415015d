package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/wilsonzlin/aero/proxy/screenshare-signal/internal/config"
	"github.com/wilsonzlin/aero/proxy/screenshare-signal/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/screenshare-signal/internal/turnrest"
)

func testConfig() config.Config {
	return config.Config{
		ListenAddr:      "127.0.0.1:0",
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
		Mode:            config.ModeDev,
	}
}

func startTestServer(t *testing.T, opts Options) (baseURL string) {
	t.Helper()

	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	if opts.Build == (BuildInfo{}) {
		opts.Build = BuildInfo{Commit: "abc", BuildTime: "time"}
	}
	srv := New(opts)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	return "http://" + ln.Addr().String()
}

func getJSON(t *testing.T, url string, header http.Header) (*http.Response, map[string]any) {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp, body
}

func TestHealthReadyVersion(t *testing.T) {
	baseURL := startTestServer(t, Options{Config: testConfig()})

	t.Run("health", func(t *testing.T) {
		resp, body := getJSON(t, baseURL+"/health", nil)
		if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
			t.Fatalf("status=%d body=%v, want 200 status=ok", resp.StatusCode, body)
		}
	})

	t.Run("healthz", func(t *testing.T) {
		resp, body := getJSON(t, baseURL+"/healthz", nil)
		if resp.StatusCode != http.StatusOK || body["ok"] != true {
			t.Fatalf("status=%d body=%v, want 200 ok=true", resp.StatusCode, body)
		}
		if resp.Header.Get("X-Request-Id") == "" {
			t.Fatalf("missing request id header")
		}
	})

	t.Run("readyz", func(t *testing.T) {
		resp, body := getJSON(t, baseURL+"/readyz", nil)
		if resp.StatusCode != http.StatusOK || body["ready"] != true {
			t.Fatalf("status=%d body=%v, want 200 ready=true", resp.StatusCode, body)
		}
	})

	t.Run("version", func(t *testing.T) {
		resp, body := getJSON(t, baseURL+"/version", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
		if body["commit"] != "abc" || body["buildTime"] != "time" {
			t.Fatalf("body=%v", body)
		}
	})
}

func TestReadyzFailsOnInvalidICEConfig(t *testing.T) {
	t.Setenv("AERO_ICE_SERVERS_JSON", "[")

	cfg, err := config.Load([]string{"--listen-addr", "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("config.Load returned fatal error: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected ICE config error to be captured for readiness")
	}

	baseURL := startTestServer(t, Options{Config: cfg})

	resp, _ := getJSON(t, baseURL+"/readyz", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	resp, _ = getJSON(t, baseURL+"/webrtc/ice", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("ice: expected 503, got %d", resp.StatusCode)
	}
}

func TestReadyzRunsChecks(t *testing.T) {
	baseURL := startTestServer(t, Options{
		Config: testConfig(),
		Checks: []ReadinessCheck{
			{Name: "store", Check: func(context.Context) error { return nil }},
			{Name: "redis", Check: func(context.Context) error { return errors.New("connection refused") }},
		},
	})

	resp, body := getJSON(t, baseURL+"/readyz", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", resp.StatusCode)
	}
	if body["check"] != "redis" || body["error"] != "connection refused" {
		t.Fatalf("body=%v", body)
	}
}

func TestICEEndpointSchema(t *testing.T) {
	cfg := testConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478?transport=udp"}, Username: "user", Credential: "pass"},
	}
	baseURL := startTestServer(t, Options{Config: cfg})

	resp, body := getJSON(t, baseURL+"/webrtc/ice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	servers, ok := body["iceServers"].([]any)
	if !ok || len(servers) != 2 {
		t.Fatalf("iceServers=%#v, want 2 entries", body["iceServers"])
	}
	first, _ := servers[0].(map[string]any)
	if _, ok := first["urls"]; !ok {
		t.Fatalf("expected urls field on first server: %#v", first)
	}
}

func TestICEEndpoint_EmptyListIsArray(t *testing.T) {
	baseURL := startTestServer(t, Options{Config: testConfig()})

	resp, body := getJSON(t, baseURL+"/webrtc/ice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if servers, ok := body["iceServers"].([]any); !ok || len(servers) != 0 {
		t.Fatalf("iceServers=%#v, want []", body["iceServers"])
	}
}

func TestICEEndpoint_TURNRESTCredentials(t *testing.T) {
	cfg := testConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478?transport=udp"}},
	}
	issuer, err := turnrest.NewIssuer(config.TurnRESTConfig{SharedSecret: "s3cret", TTLSeconds: 600, UsernamePrefix: "aero"})
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	baseURL := startTestServer(t, Options{Config: cfg, TURN: issuer})

	resp, body := getJSON(t, baseURL+"/webrtc/ice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-store" {
		t.Fatalf("cache-control=%q, want no-store", cc)
	}
	servers := body["iceServers"].([]any)
	stun := servers[0].(map[string]any)
	if _, ok := stun["username"]; ok && stun["username"] != "" {
		t.Fatalf("stun entry got credentials: %#v", stun)
	}
	turn := servers[1].(map[string]any)
	username, _ := turn["username"].(string)
	if parts := strings.Split(username, ":"); len(parts) != 3 || parts[1] != "aero" {
		t.Fatalf("turn username=%q, want <expiry>:aero:<session>", username)
	}
	if cred, _ := turn["credential"].(string); cred == "" {
		t.Fatalf("turn entry missing credential: %#v", turn)
	}
}

func TestICEEndpoint_OriginPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"http://localhost:5173"}
	cfg.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}}
	baseURL := startTestServer(t, Options{Config: cfg})

	resp, _ := getJSON(t, baseURL+"/webrtc/ice", http.Header{"Origin": {"https://evil.example.com"}})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}

	resp, _ = getJSON(t, baseURL+"/webrtc/ice", http.Header{"Origin": {"http://localhost:5173"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("allow-origin=%q", got)
	}
}

func TestMountsOptionalHandlers(t *testing.T) {
	m := metrics.New()
	m.EventHandled("create-room")

	signaling := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"route": "ws"})
	})
	accounts := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"route": r.URL.Path})
	})
	baseURL := startTestServer(t, Options{
		Config:    testConfig(),
		Metrics:   m,
		Signaling: signaling,
		Accounts:  accounts,
	})

	resp, body := getJSON(t, baseURL+"/ws", nil)
	if resp.StatusCode != http.StatusOK || body["route"] != "ws" {
		t.Fatalf("ws status=%d body=%v", resp.StatusCode, body)
	}
	resp, _ = getJSON(t, baseURL+"/api/auth/login", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("accounts status=%d", resp.StatusCode)
	}

	resp, err := http.Get(baseURL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if want := `screenshare_signal_events_total{event="create-room"} 1`; !strings.Contains(string(raw), want) {
		t.Fatalf("metrics missing %q", want)
	}
}

func TestUnmountedRoutesAre404(t *testing.T) {
	baseURL := startTestServer(t, Options{Config: testConfig()})

	for _, path := range []string{"/ws", "/api/auth/login", "/metrics"} {
		resp, _ := getJSON(t, baseURL+path, nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s status=%d, want 404", path, resp.StatusCode)
		}
	}
}

func TestRequestLoggerRecordsRoutePattern(t *testing.T) {
	m := metrics.New()
	srv := New(Options{
		Config:  testConfig(),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics: m,
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}

	n, err := testutil.GatherAndCount(m.Registry(), "screenshare_signal_http_requests_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if n != 1 {
		t.Fatalf("http_requests_total series=%d, want 1", n)
	}
	const want = `
		# HELP screenshare_signal_http_requests_total HTTP requests by route and status.
		# TYPE screenshare_signal_http_requests_total counter
		screenshare_signal_http_requests_total{method="GET",route="/healthz",status="200"} 1
	`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(want), "screenshare_signal_http_requests_total"); err != nil {
		t.Fatalf("metrics mismatch: %v", err)
	}
}
