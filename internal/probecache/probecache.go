// Package probecache persists container.Probe results keyed by file
// identity (path, size, modification time) so a large file probed once
// doesn't need its box/EBML tree re-walked on a later lookup for the same
// unchanged file. Backed by modernc.org/sqlite, the teacher's own
// cgo-free driver choice (internal/plex/dvr.go opens the Plex library
// database through the same driver).
package probecache

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/snapetech/containerkit/container"
	"github.com/snapetech/containerkit/internal/metrics"
)

// Entry is one cached probe result.
type Entry struct {
	Format  container.Format
	Tracks  []container.Track
}

// Cache wraps a SQLite-backed table of {path, size, mtimeUnix} -> Entry.
type Cache struct {
	db      *sql.DB
	metrics *metrics.Collector
}

// Open opens (creating if needed) a probe cache database at dbPath.
func Open(dbPath string) (*Cache, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("probecache: open %s: %w", dbPath, err)
	}
	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("probecache: create table: %w", err)
	}
	return &Cache{db: db, metrics: metrics.Noop()}, nil
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS probe_results (
	path TEXT NOT NULL,
	size INTEGER NOT NULL,
	mtime_unix INTEGER NOT NULL,
	format TEXT NOT NULL,
	track_summary_json TEXT NOT NULL,
	PRIMARY KEY (path, size, mtime_unix)
)`

// SetMetrics attaches a Collector that receives ProbeCacheHit/ProbeCacheMiss
// counts. Pass nil to detach.
func (c *Cache) SetMetrics(m *metrics.Collector) {
	if m == nil {
		m = metrics.Noop()
	}
	c.metrics = m
}

// Close closes the underlying database handle.
func (c *Cache) Close() error { return c.db.Close() }

// Lookup returns a previously stored Entry for the exact (path, size,
// mtimeUnix) triple, or ok=false if there is no matching row — including
// the case where the file has changed since it was cached, since the
// primary key includes size and mtime.
func (c *Cache) Lookup(path string, size, mtimeUnix int64) (Entry, bool, error) {
	row := c.db.QueryRow(
		`SELECT format, track_summary_json FROM probe_results WHERE path = ? AND size = ? AND mtime_unix = ?`,
		path, size, mtimeUnix,
	)
	var format string
	var trackJSON string
	if err := row.Scan(&format, &trackJSON); err != nil {
		if err == sql.ErrNoRows {
			c.metrics.ProbeCacheMiss()
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("probecache: lookup %s: %w", path, err)
	}
	var tracks []container.Track
	if err := json.Unmarshal([]byte(trackJSON), &tracks); err != nil {
		return Entry{}, false, fmt.Errorf("probecache: decode cached tracks for %s: %w", path, err)
	}
	c.metrics.ProbeCacheHit()
	return Entry{Format: container.Format(format), Tracks: tracks}, true, nil
}

// Store records an Entry for (path, size, mtimeUnix), replacing any prior
// entry for the same key.
func (c *Cache) Store(path string, size, mtimeUnix int64, entry Entry) error {
	trackJSON, err := json.Marshal(entry.Tracks)
	if err != nil {
		return fmt.Errorf("probecache: encode tracks for %s: %w", path, err)
	}
	_, err = c.db.Exec(
		`INSERT OR REPLACE INTO probe_results (path, size, mtime_unix, format, track_summary_json) VALUES (?, ?, ?, ?, ?)`,
		path, size, mtimeUnix, string(entry.Format), string(trackJSON),
	)
	if err != nil {
		return fmt.Errorf("probecache: store %s: %w", path, err)
	}
	return nil
}
