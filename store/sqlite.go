package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/quarryvm/quarry/vm"
)

// SQLiteStore is a durable Store backed by a SQLite database file (or
// ":memory:" for tests). Write sets apply inside one transaction so a
// commit is all-or-nothing.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS resources (
	address BLOB NOT NULL,
	tag     BLOB NOT NULL,
	value   BLOB NOT NULL,
	PRIMARY KEY (address, tag)
);
CREATE TABLE IF NOT EXISTS modules (
	address BLOB NOT NULL,
	name    TEXT NOT NULL,
	data    BLOB NOT NULL,
	PRIMARY KEY (address, name)
);
`

// OpenSQLite opens (creating if necessary) a SQLite-backed store at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store %s: %w", path, err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// GetResource returns the raw bytes stored under (addr, tagKey).
func (s *SQLiteStore) GetResource(addr vm.Address, tagKey []byte) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRow(
		`SELECT value FROM resources WHERE address = ? AND tag = ?`,
		addr[:], tagKey,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read resource: %w", err)
	}
	return value, true, nil
}

// GetModuleBytes returns the module wire bytes published under (addr, name).
func (s *SQLiteStore) GetModuleBytes(addr vm.Address, name string) ([]byte, bool, error) {
	var data []byte
	err := s.db.QueryRow(
		`SELECT data FROM modules WHERE address = ? AND name = ?`,
		addr[:], name,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read module: %w", err)
	}
	return data, true, nil
}

// PutModuleBytes publishes module wire bytes under (addr, name).
func (s *SQLiteStore) PutModuleBytes(addr vm.Address, name string, data []byte) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO modules (address, name, data) VALUES (?, ?, ?)`,
		addr[:], name, data,
	)
	if err != nil {
		return fmt.Errorf("put module %s: %w", name, err)
	}
	return nil
}

// ApplyWriteSet commits ws in a single database transaction.
func (s *SQLiteStore) ApplyWriteSet(ws vm.WriteSet) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()

	for _, op := range ws {
		tagKey, err := writeOpTagKey(op)
		if err != nil {
			return err
		}
		switch op.Kind {
		case vm.WriteOpCreate:
			if _, err := tx.Exec(
				`INSERT INTO resources (address, tag, value) VALUES (?, ?, ?)`,
				op.Address[:], tagKey, op.Value,
			); err != nil {
				return fmt.Errorf("create %s at %s: %w", op.Tag, op.Address, err)
			}
		case vm.WriteOpModify:
			res, err := tx.Exec(
				`UPDATE resources SET value = ? WHERE address = ? AND tag = ?`,
				op.Value, op.Address[:], tagKey,
			)
			if err != nil {
				return fmt.Errorf("modify %s at %s: %w", op.Tag, op.Address, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("modify of missing resource %s at %s", op.Tag, op.Address)
			}
		case vm.WriteOpDelete:
			res, err := tx.Exec(
				`DELETE FROM resources WHERE address = ? AND tag = ?`,
				op.Address[:], tagKey,
			)
			if err != nil {
				return fmt.Errorf("delete %s at %s: %w", op.Tag, op.Address, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("delete of missing resource %s at %s", op.Tag, op.Address)
			}
		default:
			return fmt.Errorf("unknown write op kind %d", op.Kind)
		}
	}
	return tx.Commit()
}
