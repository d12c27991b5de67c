// Package statestore persists the last-known state of every device so
// a restarted bridge can show stale values for devices that have not
// reported yet. It is a cache of what the vendor last said, not a
// source of truth: everything in it is overwritten by the next status
// payload.
package statestore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/miraie-bridge/internal/climate"
)

// Record is one persisted device row.
type Record struct {
	Account      string
	DeviceID     string
	Name         string
	State        climate.DeviceState
	Availability climate.Availability
	UpdatedAt    time.Time
}

// Store is a SQLite-backed last-known-state table. All methods are safe
// for concurrent use (SQLite serializes writes).
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore opens or creates the state database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS device_state (
		account      TEXT NOT NULL,
		device_id    TEXT NOT NULL,
		name         TEXT NOT NULL DEFAULT '',
		state_json   TEXT NOT NULL,
		availability TEXT NOT NULL,
		updated_at   TEXT NOT NULL,
		PRIMARY KEY (account, device_id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save upserts the snapshot of one device.
func (s *Store) Save(account string, snap climate.Snapshot) error {
	state, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("encode state %s/%s: %w", account, snap.Device.ID, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO device_state (account, device_id, name, state_json, availability, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (account, device_id) DO UPDATE
		 SET name = excluded.name,
		     state_json = excluded.state_json,
		     availability = excluded.availability,
		     updated_at = excluded.updated_at`,
		account, snap.Device.ID, snap.Device.Name, string(state),
		snap.Availability.String(), s.now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save %s/%s: %w", account, snap.Device.ID, err)
	}
	return nil
}

// Load returns every record stored for account, ordered by device ID.
// A row whose state no longer decodes is skipped rather than failing
// the whole load.
func (s *Store) Load(account string) ([]Record, error) {
	rows, err := s.db.Query(
		`SELECT device_id, name, state_json, availability, updated_at
		 FROM device_state WHERE account = ? ORDER BY device_id`,
		account,
	)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", account, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r            Record
			state, avail string
			updated      string
		)
		if err := rows.Scan(&r.DeviceID, &r.Name, &state, &avail, &updated); err != nil {
			return nil, fmt.Errorf("scan %s: %w", account, err)
		}
		if err := json.Unmarshal([]byte(state), &r.State); err != nil {
			continue
		}
		r.Account = account
		r.Availability = climate.ParseAvailability(avail)
		r.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Delete removes one device's record. No error if it does not exist.
func (s *Store) Delete(account, deviceID string) error {
	_, err := s.db.Exec(
		`DELETE FROM device_state WHERE account = ? AND device_id = ?`,
		account, deviceID,
	)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", account, deviceID, err)
	}
	return nil
}

// Prune removes the account's records for devices not in keep, and
// returns how many rows it deleted. Called after a device refresh so
// devices removed from the cloud account do not linger.
func (s *Store) Prune(account string, keep []string) (int, error) {
	stored, err := s.Load(account)
	if err != nil {
		return 0, err
	}
	live := make(map[string]bool, len(keep))
	for _, id := range keep {
		live[id] = true
	}

	n := 0
	for _, r := range stored {
		if live[r.DeviceID] {
			continue
		}
		if err := s.Delete(account, r.DeviceID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
