// Package registry_store persists the server catalog the supervisor
// resolves spawn commands against: serverId -> {name, command, argv}. It
// implements fleet.ServerRegistry.
//
// Narrowed straight down from the teacher's store/sqlite package — same
// modernc.org/sqlite driver, same single-connection/WAL/busy_timeout open
// sequence and migrate-by-append schema convention — to one table, since
// task/worker state itself stays in memory.
package registry_store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB persists the server catalog in SQLite.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the catalog database at path and applies
// migrations.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("registry_store: open %s: %w", path, err)
	}

	// SQLite serialises writes; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("registry_store: %s: %w", pragma, err)
		}
	}

	s := &DB{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry_store: migrate: %w", err)
	}
	return s, nil
}

// migrate applies the schema. New versions should only ADD statements so
// existing databases keep working without a migration tool.
func (s *DB) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS servers (
			server_id    TEXT PRIMARY KEY,
			server_name  TEXT NOT NULL,
			command      TEXT NOT NULL,
			argv_json    TEXT NOT NULL DEFAULT '[]'
		)
	`)
	if err != nil {
		return err
	}
	return nil
}

// Put inserts or replaces the spawn tuple for serverID.
func (s *DB) Put(serverID, name, command string, argv []string) error {
	argvJSON, err := json.Marshal(argv)
	if err != nil {
		return fmt.Errorf("registry_store: marshal argv: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO servers (server_id, server_name, command, argv_json)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(server_id) DO UPDATE SET
			server_name = excluded.server_name,
			command     = excluded.command,
			argv_json   = excluded.argv_json
	`, serverID, name, command, string(argvJSON))
	return err
}

// Delete removes serverID from the catalog. A no-op if it isn't present.
func (s *DB) Delete(serverID string) error {
	_, err := s.db.Exec(`DELETE FROM servers WHERE server_id = ?`, serverID)
	return err
}

// Resolve implements fleet.ServerRegistry.
func (s *DB) Resolve(serverID string) (name, command string, argv []string, ok bool) {
	row := s.db.QueryRow(`SELECT server_name, command, argv_json FROM servers WHERE server_id = ?`, serverID)
	var argvJSON string
	if err := row.Scan(&name, &command, &argvJSON); err != nil {
		return "", "", nil, false
	}
	if err := json.Unmarshal([]byte(argvJSON), &argv); err != nil {
		return "", "", nil, false
	}
	return name, command, argv, true
}

// List returns every catalog entry, ordered by serverId.
func (s *DB) List() ([]Entry, error) {
	rows, err := s.db.Query(`SELECT server_id, server_name, command, argv_json FROM servers ORDER BY server_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var argvJSON string
		if err := rows.Scan(&e.ServerID, &e.ServerName, &e.Command, &argvJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(argvJSON), &e.Argv); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Entry is one catalog row.
type Entry struct {
	ServerID   string
	ServerName string
	Command    string
	Argv       []string
}

func (s *DB) Close() error { return s.db.Close() }
