package store

import "fmt"

// SaveManifest records an accepted manifest.
func (s *Store) SaveManifest(updateID, epoch string, chunkBytes, payloadBytes int, payloadHash string, signed bool, manifestJSON string) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO cas_manifests (update_id, epoch, chunk_bytes, payload_bytes, payload_hash, signed, manifest_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		updateID, epoch, chunkBytes, payloadBytes, payloadHash, signed, manifestJSON,
	)
	if err != nil {
		return fmt.Errorf("save manifest %s: %w", updateID, err)
	}
	return nil
}

// Quarantine records a quarantined CAS item, such as a chunk whose bytes
// did not hash to its digest, and the reason.
func (s *Store) Quarantine(updateID, reason string) error {
	if _, err := s.db.Exec(`INSERT INTO cas_quarantine (update_id, reason) VALUES (?, ?)`, updateID, reason); err != nil {
		return fmt.Errorf("quarantine %s: %w", updateID, err)
	}
	return nil
}

// ManifestJSON returns the stored manifest JSON for updateID, or "" if absent.
func (s *Store) ManifestJSON(updateID string) (string, error) {
	var manifestJSON string
	err := s.db.QueryRow(`SELECT manifest_json FROM cas_manifests WHERE update_id = ?`, updateID).Scan(&manifestJSON)
	if err != nil {
		return "", err
	}
	return manifestJSON, nil
}
