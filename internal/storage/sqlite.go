package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/proxy-harvester/internal/types"
)

// SQLiteStorage keeps one row per category plus one row per validated
// proxy, replaced together in a single transaction.
type SQLiteStorage struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	category   TEXT PRIMARY KEY,
	refreshed  INTEGER NOT NULL,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS proxies (
	category TEXT NOT NULL,
	position INTEGER NOT NULL,
	host     TEXT NOT NULL,
	port     INTEGER NOT NULL,
	PRIMARY KEY (category, position)
);
`

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Save(snapshot *types.Snapshot) (err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	cat := string(snapshot.Category)
	if _, err = tx.Exec(
		`INSERT INTO snapshots (category, refreshed, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(category) DO UPDATE SET refreshed = excluded.refreshed, updated_at = excluded.updated_at`,
		cat, snapshot.Refreshed.UnixNano(), time.Now()); err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}

	if _, err = tx.Exec(`DELETE FROM proxies WHERE category = ?`, cat); err != nil {
		return fmt.Errorf("clear proxies: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO proxies (category, position, host, port) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, ep := range snapshot.Proxies {
		if _, err = stmt.Exec(cat, i, ep.Host, ep.Port); err != nil {
			return fmt.Errorf("insert %s: %w", ep, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) Load(category types.Category) (*types.Snapshot, error) {
	var refreshed int64
	err := s.db.QueryRow(`SELECT refreshed FROM snapshots WHERE category = ?`, string(category)).Scan(&refreshed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query snapshot: %w", err)
	}

	rows, err := s.db.Query(`SELECT host, port FROM proxies WHERE category = ? ORDER BY position`, string(category))
	if err != nil {
		return nil, fmt.Errorf("query proxies: %w", err)
	}
	defer rows.Close()

	snap := &types.Snapshot{
		Category:  category,
		Proxies:   []types.Endpoint{},
		Refreshed: time.Unix(0, refreshed),
	}
	for rows.Next() {
		var ep types.Endpoint
		if err := rows.Scan(&ep.Host, &ep.Port); err != nil {
			return nil, fmt.Errorf("scan proxy: %w", err)
		}
		snap.Proxies = append(snap.Proxies, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proxies: %w", err)
	}

	return snap, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
