// internal/agent/agent.go
package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/napier9/apiary/internal/config"
	"github.com/napier9/apiary/internal/protocol"
	"github.com/napier9/apiary/internal/store"
)

// MaxPayloadBytes mirrors the server-side upload cap; an oversized snapshot
// is rejected locally before any network I/O.
const MaxPayloadBytes = 10 << 20

const maxRetries = 3

// maxConsecutiveFailures is the daemon's circuit breaker: after this many
// failed cycles in a row the loop terminates and requires an external
// restart.
const maxConsecutiveFailures = 10

var (
	ErrPayloadTooLarge = errors.New("snapshot exceeds payload limit")
	ErrUnauthorized    = errors.New("authentication failed")
	ErrRateLimited     = errors.New("rate limited by server")
)

// Agent reads the local log store and pushes snapshots to the
// multi-instance server.
type Agent struct {
	cfg    *config.Config
	client *http.Client
	sleep  func(time.Duration)
}

// New creates an agent from the instance config.
func New(cfg *config.Config) *Agent {
	transport := &http.Transport{}
	if cfg.Agent.TLSSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	timeout := cfg.Agent.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Agent{
		cfg: cfg,
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		sleep: time.Sleep,
	}
}

// Collect builds a snapshot from the local store. Missing or corrupt store
// files contribute empty collections; collection itself never fails.
func (a *Agent) Collect() *protocol.Snapshot {
	logs := store.ReadLogs(a.cfg.Paths.Logs)
	threats := store.ReadThreats(a.cfg.Paths.Threats)
	if logs == nil {
		logs = []protocol.LogRecord{}
	}
	if threats == nil {
		threats = []protocol.ThreatRecord{}
	}

	return &protocol.Snapshot{
		InstanceID: a.cfg.InstanceID,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Timezone:   a.cfg.Timezone,
		Hostname:   a.cfg.Hostname,
		Logs:       logs,
		Threats:    threats,
		Stats: protocol.SnapshotStats{
			LogCount:    len(logs),
			ThreatCount: len(threats),
		},
	}
}

// Push uploads one snapshot. Transient failures are retried with bounded
// backoff in an explicit loop: rate limiting backs off exponentially
// (1s, 2s, 4s, capped at 60s), network errors and timeouts linearly
// (5s, 10s, 15s, capped at 30s). Auth failures and other non-2xx statuses
// fail immediately. Total attempts never exceed 1 + maxRetries.
func (a *Agent) Push(snap *protocol.Snapshot) error {
	if a.cfg.Agent.ServerURL == "" || a.cfg.Agent.APIKey == "" {
		return errors.New("missing server configuration")
	}

	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("serialize snapshot: %w", err)
	}
	if len(body) > MaxPayloadBytes {
		return fmt.Errorf("%w: %s", ErrPayloadTooLarge, humanize.Bytes(uint64(len(body))))
	}

	url := strings.TrimRight(a.cfg.Agent.ServerURL, "/") + "/api/data"

	for attempt := 0; ; attempt++ {
		err := a.post(url, body)
		if err == nil {
			log.Printf("Snapshot sent: %s, %d logs, %d threats",
				humanize.Bytes(uint64(len(body))), snap.Stats.LogCount, snap.Stats.ThreatCount)
			return nil
		}

		switch {
		case errors.Is(err, ErrRateLimited):
			if attempt >= maxRetries {
				return fmt.Errorf("rate limited after %d retries: %w", maxRetries, err)
			}
			wait := min(60*time.Second, time.Duration(1<<attempt)*time.Second)
			log.Printf("Rate limited, waiting %s before retry", wait)
			a.sleep(wait)
		case errors.Is(err, ErrUnauthorized):
			return err
		case isNetworkError(err):
			if attempt >= maxRetries {
				return fmt.Errorf("network error after %d retries: %w", maxRetries, err)
			}
			wait := min(30*time.Second, time.Duration(attempt+1)*5*time.Second)
			log.Printf("Network error: %v, retrying in %s", err, wait)
			a.sleep(wait)
		default:
			return err
		}
	}
}

// post performs a single upload attempt and classifies the outcome.
func (a *Agent) post(url string, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.cfg.Agent.APIKey)
	req.Header.Set("User-Agent", "apiary-agent/1.0")
	req.Header.Set("X-Instance-ID", truncateID(a.cfg.InstanceID))

	resp, err := a.client.Do(req)
	if err != nil {
		return &netError{err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: check API key", ErrUnauthorized)
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
}

// netError marks connection, DNS and timeout failures as retryable.
type netError struct{ err error }

func (e *netError) Error() string { return e.err.Error() }
func (e *netError) Unwrap() error { return e.err }

func isNetworkError(err error) bool {
	var ne *netError
	return errors.As(err, &ne)
}

// RunOnce collects and pushes a single snapshot.
func (a *Agent) RunOnce() error {
	log.Printf("Collecting data from instance %s...", truncateID(a.cfg.InstanceID))
	snap := a.Collect()
	return a.Push(snap)
}

// RunDaemon loops collect+push with one cycle in flight at a time. Each
// failure stretches the sleep to interval x min(failures, 5); after
// maxConsecutiveFailures the loop terminates for good. Cancellation is
// honored at the cycle boundary only; a push in flight is bounded by the
// client timeout.
func (a *Agent) RunDaemon(ctx context.Context) error {
	interval := a.cfg.Agent.SyncInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	log.Printf("Starting agent daemon (sync every %s)", interval)

	consecutiveFailures := 0
	for {
		if err := a.RunOnce(); err != nil {
			consecutiveFailures++
			log.Printf("Sync failed (%d consecutive): %v", consecutiveFailures, err)
			if consecutiveFailures >= maxConsecutiveFailures {
				return fmt.Errorf("%d consecutive failures, stopping agent", consecutiveFailures)
			}
		} else {
			consecutiveFailures = 0
		}

		wait := interval
		if consecutiveFailures > 0 {
			wait = interval * time.Duration(min(consecutiveFailures, 5))
			log.Printf("Backing off: next sync in %s", wait)
		}

		select {
		case <-ctx.Done():
			log.Println("Agent stopping")
			return nil
		case <-time.After(wait):
		}
	}
}

func truncateID(id string) string {
	if len(id) > 16 {
		return id[:16]
	}
	return id
}
