// internal/agent/agent_test.go
package agent

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/napier9/apiary/internal/config"
	"github.com/napier9/apiary/internal/protocol"
)

func testConfig(dir string) *config.Config {
	cfg := config.Default()
	cfg.InstanceID = "test-instance-0000"
	cfg.Hostname = "test-host"
	cfg.Paths.Logs = filepath.Join(dir, "logs.json")
	cfg.Paths.Threats = filepath.Join(dir, "threats.json")
	cfg.Agent.APIKey = "agent-key"
	return cfg
}

func TestCollectMissingFiles(t *testing.T) {
	cfg := testConfig(t.TempDir())
	a := New(cfg)

	snap := a.Collect()
	if snap.InstanceID != "test-instance-0000" {
		t.Errorf("instance_id = %q", snap.InstanceID)
	}
	if snap.Hostname != "test-host" {
		t.Errorf("hostname = %q", snap.Hostname)
	}
	if len(snap.Logs) != 0 || len(snap.Threats) != 0 {
		t.Error("missing store files must yield empty collections")
	}
	if snap.Stats.LogCount != 0 || snap.Stats.ThreatCount != 0 {
		t.Errorf("stats = %+v, want zeros", snap.Stats)
	}
	if _, err := time.Parse(time.RFC3339, snap.Timestamp); err != nil {
		t.Errorf("timestamp %q not RFC 3339: %v", snap.Timestamp, err)
	}
}

func TestCollectReadsStore(t *testing.T) {
	dir := t.TempDir()
	logs := []protocol.LogRecord{
		{Protocol: "SSH", Date: "2026-08-01", Hour: "10:00:00", IP: "198.51.100.1", Action: "Login failed"},
		{Protocol: "HTTP", Date: "2026-08-01", Hour: "10:00:01", IP: "198.51.100.2", Action: "GET /"},
	}
	data, _ := json.Marshal(logs)
	os.WriteFile(filepath.Join(dir, "logs.json"), data, 0o644)

	a := New(testConfig(dir))
	snap := a.Collect()
	if snap.Stats.LogCount != 2 {
		t.Errorf("log_count = %d, want 2", snap.Stats.LogCount)
	}
	if snap.Stats.ThreatCount != 0 {
		t.Errorf("threat_count = %d, want 0", snap.Stats.ThreatCount)
	}
}

func TestPushPayloadTooLargeFailsFast(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
	}))
	defer srv.Close()

	cfg := testConfig(t.TempDir())
	cfg.Agent.ServerURL = srv.URL
	a := New(cfg)

	snap := a.Collect()
	snap.Logs = []protocol.LogRecord{{Action: strings.Repeat("x", MaxPayloadBytes)}}

	err := a.Push(snap)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("err = %v, want ErrPayloadTooLarge", err)
	}
	if requests != 0 {
		t.Errorf("server saw %d requests, want 0 (no network call)", requests)
	}
}

func TestPushSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/data" {
			t.Errorf("path = %q, want /api/data", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer agent-key" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("X-Instance-ID"); got != "test-instance-00" {
			t.Errorf("X-Instance-ID = %q, want 16-char truncation", got)
		}
		var snap protocol.Snapshot
		if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
			t.Errorf("decode snapshot: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "success"})
	}))
	defer srv.Close()

	cfg := testConfig(t.TempDir())
	cfg.Agent.ServerURL = srv.URL + "/" // trailing slash must not double up
	a := New(cfg)

	if err := a.Push(a.Collect()); err != nil {
		t.Fatalf("Push: %v", err)
	}
}

func TestPushAuthFailureNoRetry(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	cfg := testConfig(t.TempDir())
	cfg.Agent.ServerURL = srv.URL
	a := New(cfg)
	a.sleep = func(time.Duration) { t.Error("slept on auth failure, want immediate") }

	err := a.Push(a.Collect())
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestPushRateLimitBackoff(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	cfg := testConfig(t.TempDir())
	cfg.Agent.ServerURL = srv.URL
	a := New(cfg)

	var delays []time.Duration
	a.sleep = func(d time.Duration) { delays = append(delays, d) }

	err := a.Push(a.Collect())
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("err = %v, want ErrRateLimited", err)
	}
	if attempts != 4 {
		t.Errorf("attempts = %d, want 4 (1 initial + 3 retries)", attempts)
	}

	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, delays[i], want[i])
		}
	}
}

func TestPushNetworkErrorBackoff(t *testing.T) {
	cfg := testConfig(t.TempDir())
	// Closed port: every attempt is a connection error
	cfg.Agent.ServerURL = "http://127.0.0.1:1"
	a := New(cfg)

	var delays []time.Duration
	a.sleep = func(d time.Duration) { delays = append(delays, d) }

	err := a.Push(a.Collect())
	if err == nil {
		t.Fatal("Push succeeded against closed port")
	}

	want := []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, delays[i], want[i])
		}
	}
}

func TestPushOtherStatusNoRetry(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig(t.TempDir())
	cfg.Agent.ServerURL = srv.URL
	a := New(cfg)
	a.sleep = func(time.Duration) { t.Error("slept on non-retryable status") }

	if err := a.Push(a.Collect()); err == nil {
		t.Fatal("Push succeeded, want error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestPushMissingConfig(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Agent.ServerURL = ""
	a := New(cfg)

	if err := a.Push(a.Collect()); err == nil {
		t.Error("Push without server config succeeded, want error")
	}
}
