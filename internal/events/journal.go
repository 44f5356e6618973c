package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"

	"groveline/internal/domain"
)

// Record is a journal row: a bus event flattened for storage and delivery.
type Record struct {
	ID           int64           `json:"id"`
	TS           string          `json:"ts" format:"date-time"`
	Type         string          `json:"type"`
	PlantationID string          `json:"plantation_id"`
	EntityID     string          `json:"entity_id,omitempty"`
	Wallet       string          `json:"wallet,omitempty"`
	Payload      json.RawMessage `json:"payload"`
}

// Journal records bus events durably. It is an ordinary bus observer: the
// bus itself stays ephemeral, the journal is what log tailing and webhook
// delivery read from.
type Journal struct {
	DB *sql.DB
}

// Attach subscribes the journal to the bus and returns the disposer.
// Append failures are logged and swallowed so a storage hiccup cannot
// abort delivery to other listeners.
func (j Journal) Attach(bus *Bus) func() {
	return bus.Subscribe(func(evt domain.Event) {
		if err := j.Append(context.Background(), evt); err != nil {
			log.Printf("journal: append %s failed: %v", evt.Type, err)
		}
	})
}

func (j Journal) Append(ctx context.Context, evt domain.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	entityID := ""
	switch {
	case evt.Task != nil:
		entityID = evt.Task.ID
	case evt.Collaborator != nil:
		entityID = evt.Collaborator.ID
	case evt.Checkpoint != nil:
		entityID = evt.Checkpoint.ID
	}
	_, err = j.DB.ExecContext(ctx, `INSERT INTO events(ts,type,plantation_id,entity_id,wallet,payload_json) VALUES (?,?,?,?,?,?)`,
		evt.TS, string(evt.Type), evt.Plantation.ID, nullable(entityID), nullable(evt.Wallet), string(payload))
	return err
}

// After returns up to limit records with id greater than cursor, oldest first.
func (j Journal) After(ctx context.Context, limit int, cursor int64) ([]Record, error) {
	rows, err := j.DB.QueryContext(ctx,
		`SELECT id,ts,type,plantation_id,COALESCE(entity_id,''),COALESCE(wallet,''),payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`,
		cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		var payload string
		if err := rows.Scan(&rec.ID, &rec.TS, &rec.Type, &rec.PlantationID, &rec.EntityID, &rec.Wallet, &payload); err != nil {
			return nil, err
		}
		rec.Payload = json.RawMessage(payload)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Tail returns the most recent limit records, oldest first.
func (j Journal) Tail(ctx context.Context, limit int) ([]Record, error) {
	latest, err := j.LatestID(ctx)
	if err != nil {
		return nil, err
	}
	cursor := latest - int64(limit)
	if cursor < 0 {
		cursor = 0
	}
	return j.After(ctx, limit, cursor)
}

// LatestID returns the highest journal id, or 0 when empty.
func (j Journal) LatestID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	err := j.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id)
	if err != nil {
		return 0, err
	}
	if !id.Valid {
		return 0, nil
	}
	return id.Int64, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
