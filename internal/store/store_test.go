package store

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenRunsMigrations(t *testing.T) {
	s := openTestStore(t)
	var count int
	if err := s.DB().QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("query schema_migrations: %v", err)
	}
	if count != len(migrations) {
		t.Errorf("applied migrations = %d, want %d", count, len(migrations))
	}
}

func TestSaveAndReadManifest(t *testing.T) {
	s := openTestStore(t)
	if err := s.SaveManifest("upd-1", "7", 1<<20, 4096, "deadbeef", true, `{"update_id":"upd-1"}`); err != nil {
		t.Fatalf("SaveManifest: %v", err)
	}
	got, err := s.ManifestJSON("upd-1")
	if err != nil {
		t.Fatalf("ManifestJSON: %v", err)
	}
	if got != `{"update_id":"upd-1"}` {
		t.Errorf("ManifestJSON = %q", got)
	}
}

func TestQuarantine(t *testing.T) {
	s := openTestStore(t)
	if err := s.Quarantine("upd-bad", "hash-mismatch"); err != nil {
		t.Fatalf("Quarantine: %v", err)
	}
	var reason string
	if err := s.DB().QueryRow("SELECT reason FROM cas_quarantine WHERE update_id = ?", "upd-bad").Scan(&reason); err != nil {
		t.Fatalf("query quarantine: %v", err)
	}
	if reason != "hash-mismatch" {
		t.Errorf("reason = %q, want hash-mismatch", reason)
	}
}

func TestRecordConsensusAndFault(t *testing.T) {
	s := openTestStore(t)
	if err := s.RecordConsensus("seg-1", "root-abc", 3, 4); err != nil {
		t.Fatalf("RecordConsensus: %v", err)
	}
	if err := s.RecordFault("seg-1", "peer-2", "signature-invalid", "abc123"); err != nil {
		t.Fatalf("RecordFault: %v", err)
	}

	var quorum int
	if err := s.DB().QueryRow("SELECT quorum_count FROM trace_consensus WHERE segment_id = ?", "seg-1").Scan(&quorum); err != nil {
		t.Fatalf("query trace_consensus: %v", err)
	}
	if quorum != 3 {
		t.Errorf("quorum_count = %d, want 3", quorum)
	}

	var policyHash string
	if err := s.DB().QueryRow("SELECT policy_hash FROM trace_faults WHERE segment_id = ?", "seg-1").Scan(&policyHash); err != nil {
		t.Fatalf("query trace_faults: %v", err)
	}
	if policyHash != "abc123" {
		t.Errorf("policy_hash = %q, want abc123", policyHash)
	}
}
