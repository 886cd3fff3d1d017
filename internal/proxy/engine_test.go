package proxy

import (
	"crypto/tls"
	"crypto/x509"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tracewarden/tracewarden/internal/cost"
	"github.com/tracewarden/tracewarden/internal/eventlog"
)

type collector struct {
	mu     sync.Mutex
	events []eventlog.Event
}

func (c *collector) submit(ev eventlog.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return true
}

func (c *collector) all() []eventlog.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]eventlog.Event, len(c.events))
	copy(out, c.events)
	return out
}

func newTestEngine(t *testing.T) (*Engine, *collector) {
	t.Helper()
	col := &collector{}
	e, err := New(Options{
		SessionID:             "sess-test",
		MaxBodySize:           1 << 16,
		CAOrganization:        "tracewarden-test",
		CaptureRequestBodies:  true,
		CaptureResponseBodies: true,
		CaptureAllRequests:    true,
	}, NewClassifier(nil), cost.NewAccounting(nil), col.submit, slog.Default())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	res, err := e.Start("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() { e.server.Close() })
	_ = res
	return e, col
}

func proxyClient(proxyAddr string) *http.Client {
	proxyURL, _ := url.Parse("http://" + proxyAddr)
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
		Timeout: 5 * time.Second,
	}
}

func TestEngine_ForwardsPlainHTTPAndEmitsEvents(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	e, col := newTestEngine(t)

	client := proxyClient(e.listener.Addr().String())
	resp, err := client.Get(upstream.URL + "/ping")
	if err != nil {
		t.Fatalf("GET through proxy: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "ok") {
		t.Errorf("body = %q, want to contain ok", body)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(col.all()) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	events := col.all()
	if len(events) < 2 {
		t.Fatalf("got %d events, want at least 2 (request+response)", len(events))
	}
	if events[0].Kind != eventlog.KindHTTPRequest {
		t.Errorf("first event kind = %q, want http_request", events[0].Kind)
	}
	if events[1].Kind != eventlog.KindHTTPResponse {
		t.Errorf("second event kind = %q, want http_response", events[1].Kind)
	}
	if events[1].StatusCode != 200 {
		t.Errorf("status = %d, want 200", events[1].StatusCode)
	}
}

func TestEngine_ClassifiesAIRequestByHost(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"usage":{"prompt_tokens":10,"completion_tokens":5}}`))
	}))
	defer upstream.Close()
	upstreamHost := strings.TrimPrefix(upstream.URL, "http://")

	col := &collector{}
	e, err := New(Options{
		SessionID:             "sess-test",
		MaxBodySize:           1 << 16,
		CaptureRequestBodies:  true,
		CaptureResponseBodies: true,
	}, NewClassifier(map[string]string{strings.Split(upstreamHost, ":")[0]: "openai"}),
		cost.NewAccounting(nil), col.submit, slog.Default())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if _, err := e.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() { e.server.Close() })

	client := proxyClient(e.listener.Addr().String())
	resp, err := client.Post(upstream.URL+"/v1/chat/completions", "application/json", strings.NewReader(`{"model":"gpt-4"}`))
	if err != nil {
		t.Fatalf("POST through proxy: %v", err)
	}
	resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for len(col.all()) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	events := col.all()
	if len(events) < 1 || events[0].Kind != eventlog.KindAIRequest {
		t.Fatalf("expected ai_request first, got %+v", events)
	}
	if events[0].Provider != "openai" {
		t.Errorf("provider = %q, want openai", events[0].Provider)
	}
}

func TestEngine_MITMTerminatesTLSByDefault(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("secure-ok"))
	}))
	defer upstream.Close()

	e, col := newTestEngine(t)

	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(e.ca.CertPEM()) {
		t.Fatal("failed to load session CA into pool")
	}

	proxyURL, _ := url.Parse("http://" + e.listener.Addr().String())
	client := &http.Client{
		Transport: &http.Transport{
			Proxy:           http.ProxyURL(proxyURL),
			TLSClientConfig: &tls.Config{RootCAs: caPool},
		},
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get(upstream.URL + "/secure")
	if err != nil {
		t.Fatalf("GET through MITM proxy: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "secure-ok" {
		t.Errorf("body = %q, want secure-ok", body)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(col.all()) < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	events := col.all()
	var sawConnect, sawResponse bool
	for _, ev := range events {
		if ev.Kind == eventlog.KindHTTPSConnect && ev.Intercept {
			sawConnect = true
		}
		if ev.Kind == eventlog.KindHTTPResponse && ev.StatusCode == 200 {
			sawResponse = true
		}
	}
	if !sawConnect {
		t.Error("expected an intercepted https_connect event")
	}
	if !sawResponse {
		t.Error("expected an http_response event with status 200")
	}
}

// TestEngine_FallsBackToPassthroughAfterPinning simulates a client that
// rejects the session's MITM certificate (certificate pinning): the first
// CONNECT fails its TLS handshake, the host gets marked pinned, and every
// later CONNECT to the same host goes straight to a blind tunnel instead of
// repeating a handshake known to fail.
func TestEngine_FallsBackToPassthroughAfterPinning(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("passthrough-ok"))
	}))
	defer upstream.Close()

	e, col := newTestEngine(t)
	proxyURL, _ := url.Parse("http://" + e.listener.Addr().String())

	// First request: a strict client with no trust for the session CA, so
	// the client-side TLS handshake against our MITM'd connection fails,
	// which surfaces as a handshake error on our side too.
	strictClient := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   5 * time.Second,
	}
	if _, err := strictClient.Get(upstream.URL + "/x"); err == nil {
		t.Fatal("expected first request to fail its TLS handshake against the MITM certificate")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		found := false
		for _, ev := range col.all() {
			if ev.Kind == eventlog.KindHTTPSConnect && !ev.Intercept && ev.ErrorCode != "" {
				found = true
			}
		}
		if found {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	var sawFailedHandshake bool
	for _, ev := range col.all() {
		if ev.Kind == eventlog.KindHTTPSConnect && !ev.Intercept && ev.ErrorCode != "" {
			sawFailedHandshake = true
		}
	}
	if !sawFailedHandshake {
		t.Fatal("expected a non-intercepted https_connect event recording the handshake failure")
	}

	// Second request to the same host: the host is now pinned, so the
	// engine should skip MITM entirely and relay raw bytes.
	insecureClient := &http.Client{
		Transport: &http.Transport{
			Proxy:           http.ProxyURL(proxyURL),
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
		Timeout: 5 * time.Second,
	}
	resp, err := insecureClient.Get(upstream.URL + "/x")
	if err != nil {
		t.Fatalf("GET through passthrough proxy after pinning: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "passthrough-ok" {
		t.Errorf("body = %q, want passthrough-ok", body)
	}
}
