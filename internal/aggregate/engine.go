// internal/aggregate/engine.go
package aggregate

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"sort"
	"time"

	"github.com/napier9/apiary/internal/config"
	"github.com/napier9/apiary/internal/protocol"
	"github.com/napier9/apiary/internal/store"
	"github.com/napier9/apiary/internal/threat"
)

// Engine merges log records from one or many instances, deduplicates them,
// sorts by UTC-normalized timestamp, and recomputes threats from the result.
// Every run regenerates the output files from scratch; re-running with
// unchanged inputs reproduces byte-identical output.
type Engine struct {
	cfg    *config.Config
	client *http.Client
}

// New creates an aggregation engine for the given instance config.
func New(cfg *config.Config) *Engine {
	timeout := cfg.Agent.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := &http.Transport{}
	if cfg.Agent.TLSSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Engine{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout, Transport: transport},
	}
}

// Run performs one full aggregation pass and overwrites the output files.
func (e *Engine) Run() error {
	log.Printf("Starting aggregation: mode=%s", e.cfg.Mode)

	var logs []protocol.LogRecord
	var instances []protocol.InstanceMetadata
	serverMode := e.cfg.Mode == config.ModeServer

	if serverMode {
		remoteLogs, remoteThreats := e.fetchAggregated()
		instances = e.fetchInstances()
		logs, _ = e.mergeLocalAndRemote(remoteLogs, remoteThreats)
	} else {
		logs = DedupLogs(store.ReadLogs(e.cfg.Paths.Logs))
	}

	SortLogs(logs)
	threats := Recompute(logs, serverMode)

	outDir := e.cfg.Paths.OutputDir
	if err := store.WriteJSON(filepath.Join(outDir, "logs-aggregated.json"), emptyAsList(logs)); err != nil {
		return fmt.Errorf("write aggregated logs: %w", err)
	}
	if err := store.WriteJSON(filepath.Join(outDir, "threats-aggregated.json"), emptyThreatsAsList(threats)); err != nil {
		return fmt.Errorf("write aggregated threats: %w", err)
	}
	if serverMode {
		out := protocol.InstancesResponse{Instances: instances}
		if out.Instances == nil {
			out.Instances = []protocol.InstanceMetadata{}
		}
		if err := store.WriteJSON(filepath.Join(outDir, "multi-instance.json"), out); err != nil {
			return fmt.Errorf("write instances: %w", err)
		}
	}

	log.Printf("Aggregation complete: %d logs, %d unique IPs", len(logs), len(threats))
	return nil
}

// fetchAggregated pulls merged data from the local multi-instance server.
// Any failure degrades to empty data so a standalone-quality run still
// happens from local files.
func (e *Engine) fetchAggregated() ([]protocol.LogRecord, []protocol.ThreatRecord) {
	var resp protocol.AggregatedResponse
	if err := e.getJSON("/api/aggregated", &resp); err != nil {
		log.Printf("Failed to fetch aggregated data from server: %v", err)
		return nil, nil
	}
	return resp.Logs, resp.Threats
}

func (e *Engine) fetchInstances() []protocol.InstanceMetadata {
	var resp protocol.InstancesResponse
	if err := e.getJSON("/api/instances", &resp); err != nil {
		log.Printf("Failed to fetch instance list from server: %v", err)
		return nil
	}
	return resp.Instances
}

func (e *Engine) getJSON(path string, v interface{}) error {
	scheme := "http"
	if e.cfg.Server.TLSCert != "" && e.cfg.Server.TLSKey != "" {
		scheme = "https"
	}
	url := fmt.Sprintf("%s://localhost:%d%s", scheme, e.cfg.Server.Port, path)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+e.cfg.Server.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// mergeLocalAndRemote combines the local store with server data: local
// records first, tagged with this instance's provenance, then remote
// records, dropping duplicates as they are encountered.
func (e *Engine) mergeLocalAndRemote(remoteLogs []protocol.LogRecord, remoteThreats []protocol.ThreatRecord) ([]protocol.LogRecord, []protocol.ThreatRecord) {
	localID := e.cfg.InstanceID
	if localID == "" {
		localID = "local"
	}

	var logs []protocol.LogRecord
	for _, rec := range store.ReadLogs(e.cfg.Paths.Logs) {
		rec.InstanceID = localID
		rec.Hostname = "localhost"
		logs = append(logs, rec)
	}
	logs = append(logs, remoteLogs...)

	var threats []protocol.ThreatRecord
	for _, rec := range store.ReadThreats(e.cfg.Paths.Threats) {
		rec.InstanceID = localID
		rec.Hostname = "localhost"
		threats = append(threats, rec)
	}
	threats = append(threats, remoteThreats...)

	return DedupLogs(logs), DedupThreats(threats)
}

// MergeSnapshots implements the server-local mode: it tags every record with
// its snapshot's provenance, deduplicates, and sorts. Used by the server's
// /api/aggregated handler, which reads the stored snapshots itself.
func MergeSnapshots(snapshots []protocol.Snapshot) ([]protocol.LogRecord, []protocol.ThreatRecord) {
	var logs []protocol.LogRecord
	var threats []protocol.ThreatRecord
	for _, snap := range snapshots {
		for _, rec := range snap.Logs {
			rec.InstanceID = snap.InstanceID
			rec.Hostname = snap.Hostname
			logs = append(logs, rec)
		}
		for _, rec := range snap.Threats {
			rec.InstanceID = snap.InstanceID
			rec.Hostname = snap.Hostname
			threats = append(threats, rec)
		}
	}
	logs = DedupLogs(logs)
	threats = DedupThreats(threats)
	SortLogs(logs)
	return logs, threats
}

// SortLogs orders records ascending by UTC-normalized timestamp. The sort is
// stable: records with equal (or unparseable) timestamps keep their
// encounter order.
func SortLogs(logs []protocol.LogRecord) {
	keys := make([]time.Time, len(logs))
	for i, rec := range logs {
		keys[i] = normalizedTime(rec)
	}
	// Sort a permutation of indices so each record stays paired with its
	// precomputed key while the sort moves things around.
	idx := make([]int, len(logs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool {
		return keys[idx[i]].Before(keys[idx[j]])
	})
	sorted := make([]protocol.LogRecord, len(logs))
	for i, j := range idx {
		sorted[i] = logs[j]
	}
	copy(logs, sorted)
}

// normalizedTime combines a record's date and hour with its declared
// timezone and converts to UTC. An unknown timezone falls back to UTC; a
// record that does not parse at all sorts first via the zero time. This
// path degrades, it never fails.
func normalizedTime(rec protocol.LogRecord) time.Time {
	loc := time.UTC
	if rec.Timezone != "" && rec.Timezone != "UTC" {
		if l, err := time.LoadLocation(rec.Timezone); err == nil {
			loc = l
		}
	}
	t, err := time.ParseInLocation("2006-01-02 15:04:05", rec.Date+" "+rec.Hour, loc)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// Recompute discards any carried-over threats and rescores every IP from the
// merged log set. With provenance enabled (multi-instance data) each threat
// carries the sorted union of contributing instance ids and hostnames plus
// an activity count.
func Recompute(logs []protocol.LogRecord, withProvenance bool) []protocol.ThreatRecord {
	threats := threat.Evaluate(logs)
	if !withProvenance {
		return threats
	}

	byIP := make(map[string][]protocol.LogRecord)
	for _, rec := range logs {
		if rec.IP != "" {
			byIP[rec.IP] = append(byIP[rec.IP], rec)
		}
	}

	for i := range threats {
		entries := byIP[threats[i].IP]
		threats[i].Instances = sortedUnique(entries, func(r protocol.LogRecord) string { return r.InstanceID })
		threats[i].Hostnames = sortedUnique(entries, func(r protocol.LogRecord) string { return r.Hostname })
		threats[i].ActivityCount = len(entries)
	}
	return threats
}

func sortedUnique(logs []protocol.LogRecord, field func(protocol.LogRecord) string) []string {
	set := make(map[string]struct{})
	for _, rec := range logs {
		v := field(rec)
		if v == "" {
			v = "unknown"
		}
		set[v] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func emptyAsList(logs []protocol.LogRecord) []protocol.LogRecord {
	if logs == nil {
		return []protocol.LogRecord{}
	}
	return logs
}

func emptyThreatsAsList(threats []protocol.ThreatRecord) []protocol.ThreatRecord {
	if threats == nil {
		return []protocol.ThreatRecord{}
	}
	return threats
}
