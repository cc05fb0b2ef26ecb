// internal/checkpoint/store.go

// Package checkpoint persists stream checkpoints so a restarted process can
// resume each watched path from where it left off.
package checkpoint

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/colebrumley/fsstream/internal/device"
)

// Record is the persisted resume point for one watched path. The device
// identity is stored with the id because ids are only meaningful on the
// volume they were issued for.
type Record struct {
	Path       string    `json:"path"`
	EventID    int64     `json:"event_id"`
	DeviceID   uint64    `json:"device_id"`
	MountPoint string    `json:"mount_point"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Target returns the device identity the checkpoint was recorded against.
func (r Record) Target() device.Target {
	return device.Target{
		Path:       r.Path,
		Resolved:   r.Path,
		DeviceID:   r.DeviceID,
		MountPoint: r.MountPoint,
	}
}

// Store wraps the SQLite database holding checkpoints.
type Store struct {
	db *sql.DB
}

const storeSchema = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL,
    applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS checkpoints (
    path TEXT PRIMARY KEY,
    event_id INTEGER NOT NULL,
    device_id INTEGER NOT NULL,
    mount_point TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);
`

// Open opens or creates a checkpoint database at the given path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	var count int
	db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&count)
	if count == 0 {
		db.Exec("INSERT INTO schema_version (version) VALUES (1)")
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns the checkpoint for path. ok is false when none is stored.
func (s *Store) Load(path string) (rec Record, ok bool, err error) {
	row := s.db.QueryRow(`SELECT path, event_id, device_id, mount_point, updated_at
		FROM checkpoints WHERE path = ?`, path)
	rec, err = scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("loading checkpoint for %s: %w", path, err)
	}
	return rec, true, nil
}

// Save stores rec unless the stored checkpoint for the same device is
// already at or past it. It reports whether anything was written.
func (s *Store) Save(rec Record) (bool, error) {
	return s.upsert(rec, `
		WHERE excluded.event_id > checkpoints.event_id
		   OR excluded.device_id != checkpoints.device_id
		   OR excluded.mount_point != checkpoints.mount_point`)
}

// Replace stores rec unconditionally. It is used after a resync, when the
// checkpoint was deliberately moved.
func (s *Store) Replace(rec Record) error {
	_, err := s.upsert(rec, "")
	return err
}

func (s *Store) upsert(rec Record, where string) (bool, error) {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	res, err := s.db.Exec(`
		INSERT INTO checkpoints (path, event_id, device_id, mount_point, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			event_id = excluded.event_id,
			device_id = excluded.device_id,
			mount_point = excluded.mount_point,
			updated_at = excluded.updated_at`+where,
		rec.Path, rec.EventID, int64(rec.DeviceID), rec.MountPoint, rec.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("saving checkpoint for %s: %w", rec.Path, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("saving checkpoint for %s: %w", rec.Path, err)
	}
	return n > 0, nil
}

// Reset removes the checkpoint for path so the next start begins at now.
// It reports whether a checkpoint existed.
func (s *Store) Reset(path string) (bool, error) {
	res, err := s.db.Exec("DELETE FROM checkpoints WHERE path = ?", path)
	if err != nil {
		return false, fmt.Errorf("resetting checkpoint for %s: %w", path, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// List returns every stored checkpoint ordered by path.
func (s *Store) List() ([]Record, error) {
	rows, err := s.db.Query(`SELECT path, event_id, device_id, mount_point, updated_at
		FROM checkpoints ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning checkpoint: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec       Record
		dev       int64
		updatedMs int64
	)
	if err := row.Scan(&rec.Path, &rec.EventID, &dev, &rec.MountPoint, &updatedMs); err != nil {
		return Record{}, err
	}
	rec.DeviceID = uint64(dev)
	rec.UpdatedAt = time.UnixMilli(updatedMs)
	return rec, nil
}
