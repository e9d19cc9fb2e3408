// Package state implements the agent's persistent applied-state journal:
// a single JSON document written atomically via temp-file-plus-rename
// (spec.md §4.9, invariant 9 in §8).
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dn42fabric/fabric-agent/internal/model"
)

const schemaVersion = 1

// Store owns the on-disk AppliedSnapshot. Load is lazy and memoized; every
// mutation rewrites the full document, grounded on doublezerod's
// internal/config.Config temp+rename save pattern.
type Store struct {
	path string

	mu       sync.Mutex
	loaded   bool
	snapshot model.AppliedSnapshot
}

// New returns a Store backed by path. The file is not read until the first
// call to Snapshot or Commit.
func New(path string) *Store {
	return &Store{path: path}
}

// Snapshot returns the current applied snapshot, loading it from disk on
// first use. An absent file yields a zero-value snapshot, not an error —
// cold start is a normal state, not a fault.
func (s *Store) Snapshot() (model.AppliedSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return model.AppliedSnapshot{}, err
	}
	return s.snapshot, nil
}

func (s *Store) loadLocked() error {
	if s.loaded {
		return nil
	}
	s.loaded = true

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.snapshot = model.AppliedSnapshot{Version: schemaVersion}
			return nil
		}
		return fmt.Errorf("state: read %s: %w", s.path, err)
	}
	var snap model.AppliedSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("state: parse %s: %w", s.path, err)
	}
	s.snapshot = snap
	return nil
}

// Commit replaces the applied config and version hash, capturing the
// previous hash into RollbackSnapshot whenever the previous applied config
// was non-empty, and persists atomically.
func (s *Store) Commit(nodeID int, versionHash string, peers []model.PeerSpec, health string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}

	if len(s.snapshot.AppliedConfig.Peers) > 0 {
		s.snapshot.RollbackSnapshot = model.RollbackSnapshot{
			PreviousHash: s.snapshot.ConfigVersionHash,
			CreatedAt:    timeNow(),
		}
	}

	s.snapshot.Version = schemaVersion
	s.snapshot.NodeID = nodeID
	s.snapshot.LastUpdate = timeNow()
	s.snapshot.ConfigVersionHash = versionHash
	s.snapshot.AppliedConfig = model.AppliedConfig{Peers: peers, MeshPeers: s.snapshot.AppliedConfig.MeshPeers}
	s.snapshot.HealthStatus = health

	return s.saveLocked()
}

// CommitMesh replaces only the applied mesh-peer list, leaving the eBGP
// peer set, version hash, and health status untouched. The mesh sync
// path persists through this narrower commit rather than Commit's
// full-document replace, so it never overwrites the eBGP fields that
// sync_config owns.
func (s *Store) CommitMesh(meshPeers []model.MeshPeerSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	s.snapshot.AppliedConfig.MeshPeers = meshPeers
	s.snapshot.LastUpdate = timeNow()
	return s.saveLocked()
}

// SetHealth updates only the health status field without touching the
// applied config.
func (s *Store) SetHealth(health string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	s.snapshot.HealthStatus = health
	s.snapshot.LastUpdate = timeNow()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("state: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("state: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("state: create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("state: write: %w", err)
	}
	// fsync before rename so a crash between write and rename cannot leave
	// the renamed file with zero-length or truncated content on filesystems
	// that reorder writes.
	if err := unix.Fsync(int(tmp.Fd())); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("state: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("state: close: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("state: rename: %w", err)
	}
	return nil
}

func timeNow() time.Time { return time.Now().UTC() }
