// Package store persists the registry as a whole-snapshot key/value row
// keyed by schema version. Loading hydrates from storage or falls back to
// bundled seed data; missing collections are repaired from the seed rather
// than left nil.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"groveline/internal/domain"
)

// SchemaVersion keys the persisted snapshot. Snapshots saved under another
// version are ignored on load and the seed is used instead.
const SchemaVersion = 1

type Store struct {
	DB  *sql.DB
	Now func() time.Time
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Load returns the registry snapshot for the current schema version,
// seeding defaults when storage is empty or the version is absent.
func (s Store) Load(ctx context.Context) (*domain.Registry, error) {
	var payload string
	err := s.DB.QueryRowContext(ctx, `SELECT payload_json FROM snapshots WHERE schema_version=?`, SchemaVersion).Scan(&payload)
	if err == sql.ErrNoRows {
		return Seed(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	var reg domain.Registry
	if err := json.Unmarshal([]byte(payload), &reg); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	reg.SchemaVersion = SchemaVersion
	repair(&reg)
	return &reg, nil
}

// Save replaces the snapshot for the current schema version.
func (s Store) Save(ctx context.Context, reg *domain.Registry) error {
	reg.SchemaVersion = SchemaVersion
	payload, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO snapshots(schema_version,payload_json,saved_at) VALUES (?,?,?)
		 ON CONFLICT(schema_version) DO UPDATE SET payload_json=excluded.payload_json, saved_at=excluded.saved_at`,
		SchemaVersion, string(payload), s.now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// repair fills collections a partial snapshot left out with seed defaults.
func repair(reg *domain.Registry) {
	seed := Seed()
	if reg.Plantations == nil {
		reg.Plantations = seed.Plantations
	}
	if reg.RecurringTemplates == nil {
		reg.RecurringTemplates = seed.RecurringTemplates
	}
	if reg.StageTemplates == nil {
		reg.StageTemplates = seed.StageTemplates
	}
}
