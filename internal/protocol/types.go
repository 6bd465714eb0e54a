// internal/protocol/types.go
package protocol

// LogRecord is one normalized honeypot event, produced by the per-protocol
// emulators and their log parser. The core treats records as read-only.
type LogRecord struct {
	Protocol  string `json:"protocol"`
	Date      string `json:"date"` // YYYY-MM-DD
	Hour      string `json:"hour"` // HH:MM:SS
	IP        string `json:"ip"`
	Action    string `json:"action"`
	Path      string `json:"path,omitempty"`
	UserAgent string `json:"user-agent,omitempty"`
	User      string `json:"user,omitempty"`

	// Timezone the date/hour were recorded in; empty means UTC. Consulted
	// only for sort normalization during aggregation.
	Timezone string `json:"timezone,omitempty"`

	// Provenance, attached during multi-instance aggregation. Excluded
	// from the dedup hash.
	InstanceID string `json:"instance_id,omitempty"`
	Hostname   string `json:"hostname,omitempty"`
}

// ThreatRecord is a per-IP verdict derived from that IP's log records.
// Instances, Hostnames and ActivityCount are set only when the record was
// computed over multi-instance aggregated data.
type ThreatRecord struct {
	Type          string   `json:"type"`
	IP            string   `json:"ip"`
	ProtocolScore int      `json:"protocol-score"`
	Verdict       string   `json:"verdict"`
	Instances     []string `json:"instances,omitempty"`
	Hostnames     []string `json:"hostnames,omitempty"`
	ActivityCount int      `json:"activity_count,omitempty"`

	InstanceID string `json:"instance_id,omitempty"`
	Hostname   string `json:"hostname,omitempty"`
}

// SnapshotStats summarizes a snapshot's payload.
type SnapshotStats struct {
	LogCount    int `json:"log_count"`
	ThreatCount int `json:"threat_count"`
}

// Snapshot is the full unit of transfer for one instance. A snapshot fully
// replaces any prior snapshot stored for the same instance_id.
type Snapshot struct {
	InstanceID string         `json:"instance_id"`
	Timestamp  string         `json:"timestamp"` // RFC 3339, UTC, creation time
	Timezone   string         `json:"timezone"`
	Hostname   string         `json:"hostname"`
	LastSeen   string         `json:"last_seen,omitempty"` // stamped by the server
	Logs       []LogRecord    `json:"logs"`
	Threats    []ThreatRecord `json:"threats"`
	Stats      SnapshotStats  `json:"stats"`
}

// InstanceMetadata is one registry entry on the aggregation server.
type InstanceMetadata struct {
	InstanceID string        `json:"instance_id"`
	Hostname   string        `json:"hostname"`
	Timezone   string        `json:"timezone"`
	LastSeen   string        `json:"last_seen"`
	Stats      SnapshotStats `json:"stats"`
}

// AggregatedStats is the stats block returned by GET /api/aggregated.
type AggregatedStats struct {
	TotalLogs    int `json:"total_logs"`
	TotalThreats int `json:"total_threats"`
	Instances    int `json:"instances"`
}

// AggregatedResponse is the body of GET /api/aggregated.
type AggregatedResponse struct {
	Logs    []LogRecord     `json:"logs"`
	Threats []ThreatRecord  `json:"threats"`
	Stats   AggregatedStats `json:"stats"`
}

// InstancesResponse is the body of GET /api/instances, and the on-disk shape
// of the aggregator's multi-instance output file.
type InstancesResponse struct {
	Instances []InstanceMetadata `json:"instances"`
}

// StatusResponse is the body of the unauthenticated GET /api/status probe.
type StatusResponse struct {
	Status             string `json:"status"`
	Timestamp          string `json:"timestamp"`
	ConnectedInstances int    `json:"connected_instances"`
}
