package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/lib/pq"
	"k8s.io/klog/v2"

	"github.com/aonescu/gardensync/internal/garden"
	"github.com/aonescu/gardensync/internal/state"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	store := &PostgresStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) initSchema() error {
	schema := `
	-- Gardens: materialized snapshot of each event log
	CREATE TABLE IF NOT EXISTS gardens (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		unit TEXT NOT NULL,
		objects JSONB NOT NULL DEFAULT '[]',
		version BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT NOW(),
		updated_at TIMESTAMP DEFAULT NOW()
	);

	-- Garden events: append-only log, one row per version
	CREATE TABLE IF NOT EXISTS garden_events (
		garden_id TEXT NOT NULL REFERENCES gardens(id),
		version BIGINT NOT NULL,
		event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload JSONB NOT NULL,
		recorded_at TIMESTAMP DEFAULT NOW(),
		PRIMARY KEY (garden_id, version),
		UNIQUE (garden_id, event_id)
	);
	CREATE INDEX IF NOT EXISTS idx_garden_events_recorded ON garden_events(recorded_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *PostgresStore) ensureGarden(ctx context.Context, gardenID string) error {
	g := state.NewGarden(gardenID)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gardens (id, name, unit)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, g.ID, g.Name, string(g.Unit))
	if err != nil {
		return fmt.Errorf("failed to create garden: %w", err)
	}
	return nil
}

func (s *PostgresStore) Snapshot(gardenID string) (garden.Garden, int64, error) {
	ctx := context.Background()
	if err := s.ensureGarden(ctx, gardenID); err != nil {
		return garden.Garden{}, 0, err
	}

	var g garden.Garden
	var unit string
	var objectsJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, unit, objects, version
		FROM gardens
		WHERE id = $1
	`, gardenID).Scan(&g.ID, &g.Name, &unit, &objectsJSON, &g.Version)
	if err != nil {
		return garden.Garden{}, 0, fmt.Errorf("failed to load garden: %w", err)
	}

	g.Unit = garden.Unit(unit)
	if err := json.Unmarshal(objectsJSON, &g.Objects); err != nil {
		return garden.Garden{}, 0, fmt.Errorf("failed to decode garden objects: %w", err)
	}
	if g.Objects == nil {
		g.Objects = []garden.Object{}
	}
	return g, g.Version, nil
}

func (s *PostgresStore) Append(gardenID string, baseVersion int64, events []garden.Event) (int64, error) {
	ctx := context.Background()
	if err := s.ensureGarden(ctx, gardenID); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	// Step 1: lock the garden row and check the base version
	var current int64
	var objectsJSON []byte
	err = tx.QueryRowContext(ctx, `
		SELECT objects, version FROM gardens WHERE id = $1 FOR UPDATE
	`, gardenID).Scan(&objectsJSON, &current)
	if err != nil {
		return 0, fmt.Errorf("failed to lock garden: %w", err)
	}
	if current != baseVersion {
		return current, state.ErrVersionConflict
	}

	// Step 2: append the events
	for _, event := range events {
		payload, err := json.Marshal(event.Payload)
		if err != nil {
			return current, fmt.Errorf("failed to encode payload: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO garden_events (garden_id, version, event_id, event_type, payload)
			VALUES ($1, $2, $3, $4, $5)
		`, gardenID, event.Version, event.ID, string(event.EventType), payload)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
				return current, state.ErrVersionConflict
			}
			return current, fmt.Errorf("failed to insert event: %w", err)
		}
	}

	// Step 3: materialize the snapshot
	var objects []garden.Object
	if err := json.Unmarshal(objectsJSON, &objects); err != nil {
		return current, fmt.Errorf("failed to decode garden objects: %w", err)
	}
	objects, err = garden.Apply(objects, events)
	if err != nil {
		return current, err
	}
	if objects == nil {
		objects = []garden.Object{}
	}
	updated, err := json.Marshal(objects)
	if err != nil {
		return current, err
	}

	next := baseVersion + int64(len(events))
	_, err = tx.ExecContext(ctx, `
		UPDATE gardens SET objects = $2, version = $3, updated_at = NOW()
		WHERE id = $1
	`, gardenID, updated, next)
	if err != nil {
		return current, fmt.Errorf("failed to update garden: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return current, fmt.Errorf("failed to commit transaction: %w", err)
	}

	klog.V(2).InfoS("Appended garden events", "garden", gardenID, "count", len(events), "version", next)
	return next, nil
}

func (s *PostgresStore) Recorded(gardenID, eventID string) (int64, bool, error) {
	var version int64
	err := s.db.QueryRow(`
		SELECT version FROM garden_events WHERE garden_id = $1 AND event_id = $2
	`, gardenID, eventID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return version, true, nil
}

// History returns the most recent events of a garden, newest first.
func (s *PostgresStore) History(gardenID string, limit int) ([]garden.Event, error) {
	rows, err := s.db.Query(`
		SELECT event_id, version, event_type, payload
		FROM garden_events
		WHERE garden_id = $1
		ORDER BY version DESC
		LIMIT $2
	`, gardenID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []garden.Event
	for rows.Next() {
		var event garden.Event
		var eventType string
		var payload []byte
		if err := rows.Scan(&event.ID, &event.Version, &eventType, &payload); err != nil {
			klog.Warningf("Skipping unreadable garden event: %v", err)
			continue
		}
		event.EventType = garden.EventType(eventType)
		if err := json.Unmarshal(payload, &event.Payload); err != nil {
			klog.Warningf("Skipping garden event %s with bad payload: %v", event.ID, err)
			continue
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Ping() error {
	return s.db.Ping()
}
