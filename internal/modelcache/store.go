package modelcache

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store persists the wholesale catalogue to a single-row sqlite table so a
// cold-started gateway can seed its in-memory map before the first network
// refresh completes. It never substitutes for the network refresh and does
// not influence IsStale/IsEmpty, which key off the in-memory lastUpdate.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if absent) the sqlite database at path. It does
// not create the catalogue table; that comes from the migrations in
// internal/modelcache/migrations, which the caller runs once at startup.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns the last persisted catalogue, or an empty map if no row
// exists yet.
func (s *Store) Load() (catalogue, error) {
	row := s.db.QueryRow(`SELECT payload FROM model_catalogue WHERE id = 1`)
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return catalogue{}, nil
		}
		return nil, err
	}
	var cat catalogue
	if err := json.Unmarshal(raw, &cat); err != nil {
		return nil, err
	}
	return cat, nil
}

// Save upserts the wholesale catalogue as a single row.
func (s *Store) Save(cat catalogue) error {
	raw, err := json.Marshal(cat)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO model_catalogue (id, payload, updated_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		raw, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}
