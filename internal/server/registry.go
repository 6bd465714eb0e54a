// internal/server/registry.go
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/napier9/apiary/internal/protocol"
	"github.com/napier9/apiary/internal/store"
)

// Registry holds the instance metadata table and the per-instance snapshot
// files. One mutex covers both the in-memory table and its durable files, so
// an upsert and its persistence are atomic with respect to other writers,
// and readers never observe a half-applied update.
type Registry struct {
	mu        sync.Mutex
	dataDir   string
	instances map[string]protocol.InstanceMetadata
	now       func() time.Time
}

// OpenRegistry creates the data directory if needed and loads any existing
// instance table. A missing or corrupt table starts empty.
func OpenRegistry(dataDir string) (*Registry, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	r := &Registry{
		dataDir:   dataDir,
		instances: make(map[string]protocol.InstanceMetadata),
		now:       time.Now,
	}

	data, err := os.ReadFile(r.instancesPath())
	if err == nil {
		var loaded map[string]protocol.InstanceMetadata
		if json.Unmarshal(data, &loaded) == nil && loaded != nil {
			r.instances = loaded
		}
	}
	return r, nil
}

func (r *Registry) instancesPath() string {
	return filepath.Join(r.dataDir, "instances.json")
}

func (r *Registry) snapshotPath(instanceID string) string {
	return filepath.Join(r.dataDir, instanceID+".json")
}

// ErrInvalidInstanceID rejects instance ids that cannot name a snapshot
// file inside the data directory.
var ErrInvalidInstanceID = errors.New("invalid instance id")

// validInstanceID refuses ids containing path separators, which would let
// a snapshot write land outside the data directory.
func validInstanceID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\`)
}

// Store stamps the snapshot with the server-received time, upserts the
// instance entry, and persists both the snapshot and the table. The new
// snapshot wholly replaces any prior one for the same instance_id.
func (r *Registry) Store(snap *protocol.Snapshot) error {
	if !validInstanceID(snap.InstanceID) {
		return fmt.Errorf("%w: %q", ErrInvalidInstanceID, snap.InstanceID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	snap.LastSeen = r.now().UTC().Format(time.RFC3339)

	meta := protocol.InstanceMetadata{
		InstanceID: snap.InstanceID,
		Hostname:   snap.Hostname,
		Timezone:   snap.Timezone,
		LastSeen:   snap.LastSeen,
		Stats:      snap.Stats,
	}
	if meta.Timezone == "" {
		meta.Timezone = "UTC"
	}

	if err := store.WriteJSON(r.snapshotPath(snap.InstanceID), snap); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}

	r.instances[snap.InstanceID] = meta
	if err := store.WriteJSON(r.instancesPath(), r.instances); err != nil {
		return fmt.Errorf("persist instance table: %w", err)
	}
	return nil
}

// List returns the current instance table, ordered by instance id.
func (r *Registry) List() []protocol.InstanceMetadata {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]protocol.InstanceMetadata, 0, len(r.instances))
	for _, meta := range r.instances {
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

// Count returns the number of registered instances.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}

// Snapshots reads every stored snapshot under the registry lock, giving the
// caller a consistent view even while writers are updating other instances.
// Unreadable snapshot files are skipped, in instance-id order.
func (r *Registry) Snapshots() []protocol.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var snaps []protocol.Snapshot
	for _, id := range ids {
		data, err := os.ReadFile(r.snapshotPath(id))
		if err != nil {
			continue
		}
		var snap protocol.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			continue
		}
		snaps = append(snaps, snap)
	}
	return snaps
}
