// internal/aggregate/dedup.go
package aggregate

import (
	"crypto/sha256"
	"encoding/json"

	"github.com/napier9/apiary/internal/protocol"
)

// LogKey returns the dedup key for a log record: a content hash over every
// field except provenance (instance_id, hostname). Two records are the same
// event iff their keys match.
func LogKey(rec protocol.LogRecord) [32]byte {
	rec.InstanceID = ""
	rec.Hostname = ""
	data, _ := json.Marshal(rec)
	return sha256.Sum256(data)
}

// ThreatKey returns the dedup key for a threat record, excluding provenance.
func ThreatKey(rec protocol.ThreatRecord) [32]byte {
	rec.InstanceID = ""
	rec.Hostname = ""
	data, _ := json.Marshal(rec)
	return sha256.Sum256(data)
}

// DedupLogs keeps the first occurrence of each event in encounter order.
func DedupLogs(logs []protocol.LogRecord) []protocol.LogRecord {
	seen := make(map[[32]byte]struct{}, len(logs))
	var out []protocol.LogRecord
	for _, rec := range logs {
		key := LogKey(rec)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, rec)
	}
	return out
}

// DedupThreats keeps the first occurrence of each threat in encounter order.
func DedupThreats(threats []protocol.ThreatRecord) []protocol.ThreatRecord {
	seen := make(map[[32]byte]struct{}, len(threats))
	var out []protocol.ThreatRecord
	for _, rec := range threats {
		key := ThreatKey(rec)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, rec)
	}
	return out
}
