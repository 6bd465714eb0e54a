// internal/store/store.go
package store

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/napier9/apiary/internal/protocol"
)

// ReadLogs loads a JSON array of log records. A missing or corrupt file
// degrades to an empty slice: the store is advisory input, never a reason
// to abort a collection or aggregation run.
func ReadLogs(path string) []protocol.LogRecord {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var logs []protocol.LogRecord
	if err := json.Unmarshal(data, &logs); err != nil {
		return nil
	}
	return logs
}

// ReadThreats loads a JSON array of threat records with the same
// degrade-to-empty behavior as ReadLogs.
func ReadThreats(path string) []protocol.ThreatRecord {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var threats []protocol.ThreatRecord
	if err := json.Unmarshal(data, &threats); err != nil {
		return nil
	}
	return threats
}

// WriteJSON marshals v with two-space indentation and atomically replaces
// the file at path via a temp-file rename, so concurrent readers never see
// a partially written file. Output bytes are deterministic for equal input.
func WriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
