// Package storage is the local SQLite cache. It keeps exchange requests and
// the notification feed between runs so the presentation layer has data
// before the first REST fetch completes. The REST API stays the source of
// truth; every row here is replaceable.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/skillmesh/skillmesh/internal/rest"
)

// DB wraps the cache database. database/sql serializes access; no extra
// locking is needed here.
type DB struct {
	db   *sql.DB
	path string
}

// Open opens or creates the cache database in the given directory.
func Open(dataDir string) (*DB, error) {
	dbPath := filepath.Join(dataDir, "cache.db")

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode for concurrency between the sync path and readers.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create meta table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS requests (
			id         TEXT PRIMARY KEY,
			from_user  TEXT NOT NULL,
			to_user    TEXT NOT NULL,
			skill      TEXT DEFAULT '',
			status     TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create requests table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS notifications (
			id         TEXT PRIMARY KEY,
			category   TEXT DEFAULT '',
			body       TEXT DEFAULT '',
			read       INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create notifications table: %w", err)
	}

	return &DB{db: db, path: dbPath}, nil
}

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

// Close closes the database.
func (d *DB) Close() error { return d.db.Close() }

// PutRequests replaces the cached request set with a fresh fetch.
func (d *DB) PutRequests(reqs []rest.ExchangeRequest) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM requests`); err != nil {
		return fmt.Errorf("clear requests: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT INTO requests (id, from_user, to_user, skill, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()
	for _, r := range reqs {
		if _, err := stmt.Exec(r.ID, r.FromUser, r.ToUser, r.Skill, r.Status, r.UpdatedAt); err != nil {
			return fmt.Errorf("insert request %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// SetRequestStatus updates one cached request's status. Reports whether a
// row existed; a missing row is not an error — the cache is partial by
// design and the status change is simply not ours to keep.
func (d *DB) SetRequestStatus(id, status string, updatedAt int64) (bool, error) {
	res, err := d.db.Exec(
		`UPDATE requests SET status = ?, updated_at = ? WHERE id = ?`,
		status, updatedAt, id,
	)
	if err != nil {
		return false, fmt.Errorf("update request %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// LoadRequests returns the cached requests, most recently updated first.
func (d *DB) LoadRequests() ([]rest.ExchangeRequest, error) {
	rows, err := d.db.Query(`
		SELECT id, from_user, to_user, skill, status, updated_at
		FROM requests ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query requests: %w", err)
	}
	defer rows.Close()

	var out []rest.ExchangeRequest
	for rows.Next() {
		var r rest.ExchangeRequest
		if err := rows.Scan(&r.ID, &r.FromUser, &r.ToUser, &r.Skill, &r.Status, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PutNotifications replaces the cached feed with a fresh fetch.
func (d *DB) PutNotifications(ns []rest.Notification) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM notifications`); err != nil {
		return fmt.Errorf("clear notifications: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT INTO notifications (id, category, body, read, created_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()
	for _, n := range ns {
		read := 0
		if n.Read {
			read = 1
		}
		if _, err := stmt.Exec(n.ID, n.Category, n.Body, read, n.CreatedAt); err != nil {
			return fmt.Errorf("insert notification %s: %w", n.ID, err)
		}
	}
	return tx.Commit()
}

// LoadNotifications returns the cached feed, newest first.
func (d *DB) LoadNotifications() ([]rest.Notification, error) {
	rows, err := d.db.Query(`
		SELECT id, category, body, read, created_at
		FROM notifications ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var out []rest.Notification
	for rows.Next() {
		var n rest.Notification
		var read int
		if err := rows.Scan(&n.ID, &n.Category, &n.Body, &read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Read = read != 0
		out = append(out, n)
	}
	return out, rows.Err()
}

// Meta reads a string value from the meta table.
func (d *DB) Meta(key string) (string, bool, error) {
	var v string
	err := d.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// SetMeta writes a string value to the meta table.
func (d *DB) SetMeta(key, value string) error {
	_, err := d.db.Exec(`
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}
