// internal/server/handler.go
package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/napier9/apiary/internal/aggregate"
	"github.com/napier9/apiary/internal/protocol"
)

// MaxPayloadBytes caps the size of one snapshot upload.
const MaxPayloadBytes = 10 << 20

// Handler serves the multi-instance HTTP API.
type Handler struct {
	registry       *Registry
	limiter        *RateLimiter
	apiKeyDigest   [sha256.Size]byte
	allowedOrigins []string
}

// NewHandler creates the API handler. The API key is kept only as a SHA-256
// digest; authentication compares fixed-size digests in constant time, so
// rejection cost does not depend on the presented token.
func NewHandler(registry *Registry, apiKey string, allowedOrigins []string) *Handler {
	return &Handler{
		registry:       registry,
		limiter:        NewRateLimiter(60, time.Minute),
		apiKeyDigest:   sha256.Sum256([]byte(apiKey)),
		allowedOrigins: allowedOrigins,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.securityHeaders(w, r)

	// The liveness probe is exempt from rate limiting.
	if r.Method == http.MethodGet && r.URL.Path == "/api/status" {
		h.handleStatus(w, r)
		return
	}

	if !h.limiter.Allow(clientIP(r)) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "Rate limit exceeded"})
		return
	}

	switch {
	case r.Method == http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet && r.URL.Path == "/api/instances":
		h.handleInstances(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/api/aggregated":
		h.handleAggregated(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/api/data":
		h.handleData(w, r)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not found"})
	}
}

func (h *Handler) securityHeaders(w http.ResponseWriter, r *http.Request) {
	hdr := w.Header()
	hdr.Set("X-Content-Type-Options", "nosniff")
	hdr.Set("X-Frame-Options", "DENY")
	hdr.Set("Server", "apiary/1.0")

	origin := r.Header.Get("Origin")
	for _, allowed := range h.allowedOrigins {
		if origin == allowed {
			hdr.Set("Access-Control-Allow-Origin", origin)
			break
		}
	}
	hdr.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	hdr.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	hdr.Set("Access-Control-Max-Age", "3600")
}

// authenticate checks the Bearer token in constant time. The missing-header
// path performs the same digest comparison against a dummy value to keep
// timing uniform with the mismatch path.
func (h *Handler) authenticate(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		var dummy [sha256.Size]byte
		subtle.ConstantTimeCompare(dummy[:], h.apiKeyDigest[:])
		return false
	}
	digest := sha256.Sum256([]byte(strings.TrimPrefix(auth, "Bearer ")))
	return subtle.ConstantTimeCompare(digest[:], h.apiKeyDigest[:]) == 1
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.StatusResponse{
		Status:             "running",
		Timestamp:          time.Now().UTC().Format(time.RFC3339),
		ConnectedInstances: h.registry.Count(),
	})
}

func (h *Handler) handleInstances(w http.ResponseWriter, r *http.Request) {
	if !h.authenticate(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}
	instances := h.registry.List()
	if instances == nil {
		instances = []protocol.InstanceMetadata{}
	}
	writeJSON(w, http.StatusOK, protocol.InstancesResponse{Instances: instances})
}

func (h *Handler) handleAggregated(w http.ResponseWriter, r *http.Request) {
	if !h.authenticate(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}

	snapshots := h.registry.Snapshots()
	logs, _ := aggregate.MergeSnapshots(snapshots)
	threats := aggregate.Recompute(logs, true)
	if logs == nil {
		logs = []protocol.LogRecord{}
	}
	if threats == nil {
		threats = []protocol.ThreatRecord{}
	}

	writeJSON(w, http.StatusOK, protocol.AggregatedResponse{
		Logs:    logs,
		Threats: threats,
		Stats: protocol.AggregatedStats{
			TotalLogs:    len(logs),
			TotalThreats: len(threats),
			Instances:    h.registry.Count(),
		},
	})
}

func (h *Handler) handleData(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > MaxPayloadBytes {
		log.Printf("Rejected oversized upload from %s: %s", clientIP(r), humanize.Bytes(uint64(r.ContentLength)))
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "Request too large"})
		return
	}

	if !h.authenticate(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxPayloadBytes+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
		return
	}
	if int64(len(body)) > MaxPayloadBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "Request too large"})
		return
	}
	if len(body) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Empty request"})
		return
	}

	var snap protocol.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON format"})
		return
	}
	if snap.InstanceID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing required fields"})
		return
	}

	if err := h.registry.Store(&snap); err != nil {
		if errors.Is(err, ErrInvalidInstanceID) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid instance id"})
			return
		}
		log.Printf("Failed to store snapshot from %s: %v", snap.InstanceID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		return
	}

	log.Printf("Stored snapshot from instance %s (%d logs, %d threats)",
		shortID(snap.InstanceID), snap.Stats.LogCount, snap.Stats.ThreatCount)
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
