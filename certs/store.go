package certs

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ========================================
// IdentityStore - persistent leaf identities
// ========================================

// Identity is one issued leaf certificate with its private key, both PEM.
type Identity struct {
	Label    string
	Serial   int64
	CertPEM  []byte
	KeyPEM   []byte
	NotAfter time.Time
	Created  time.Time
}

// IdentityStore keeps issued leaves keyed by host label, so restarts reuse
// them instead of minting again.
type IdentityStore struct {
	db     *sql.DB
	dbPath string

	stmtLookup    *sql.Stmt
	stmtUpsert    *sql.Stmt
	stmtMaxSerial *sql.Stmt
	stmtList      *sql.Stmt
}

const identitySchemaSQL = `
PRAGMA journal_mode = WAL;
PRAGMA synchronous = NORMAL;

CREATE TABLE IF NOT EXISTS identities (
    label TEXT PRIMARY KEY,
    serial INTEGER NOT NULL UNIQUE,
    cert_pem BLOB NOT NULL,
    key_pem BLOB NOT NULL,
    not_after INTEGER NOT NULL,
    created_at INTEGER DEFAULT (strftime('%s', 'now') * 1000)
);

CREATE INDEX IF NOT EXISTS idx_identities_serial ON identities(serial DESC);
`

// OpenIdentityStore opens or creates the sqlite database at dbPath.
func OpenIdentityStore(dbPath string) (*IdentityStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &IdentityStore{db: db, dbPath: dbPath}

	if _, err := db.Exec(identitySchemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	return store, nil
}

func (s *IdentityStore) prepareStatements() error {
	var err error

	s.stmtLookup, err = s.db.Prepare(`
		SELECT label, serial, cert_pem, key_pem, not_after, created_at
		FROM identities WHERE label = ?
	`)
	if err != nil {
		return fmt.Errorf("prepare lookup: %w", err)
	}

	s.stmtUpsert, err = s.db.Prepare(`
		INSERT INTO identities (label, serial, cert_pem, key_pem, not_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(label) DO UPDATE SET
			serial = excluded.serial,
			cert_pem = excluded.cert_pem,
			key_pem = excluded.key_pem,
			not_after = excluded.not_after,
			created_at = excluded.created_at
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}

	s.stmtMaxSerial, err = s.db.Prepare(`SELECT COALESCE(MAX(serial), 0) FROM identities`)
	if err != nil {
		return fmt.Errorf("prepare max serial: %w", err)
	}

	s.stmtList, err = s.db.Prepare(`
		SELECT label, serial, cert_pem, key_pem, not_after, created_at
		FROM identities ORDER BY serial
	`)
	if err != nil {
		return fmt.Errorf("prepare list: %w", err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (*Identity, error) {
	var id Identity
	var notAfter, created int64
	if err := row.Scan(&id.Label, &id.Serial, &id.CertPEM, &id.KeyPEM, &notAfter, &created); err != nil {
		return nil, err
	}
	id.NotAfter = time.UnixMilli(notAfter)
	id.Created = time.UnixMilli(created)
	return &id, nil
}

// Lookup returns the identity stored for label, or nil when there is none.
func (s *IdentityStore) Lookup(label string) (*Identity, error) {
	id, err := scanIdentity(s.stmtLookup.QueryRow(label))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %q: %w", label, err)
	}
	return id, nil
}

// Save inserts the identity, replacing an earlier one for the same label.
func (s *IdentityStore) Save(id *Identity) error {
	created := id.Created
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.stmtUpsert.Exec(id.Label, id.Serial, id.CertPEM, id.KeyPEM, id.NotAfter.UnixMilli(), created.UnixMilli())
	if err != nil {
		return fmt.Errorf("save %q: %w", id.Label, err)
	}
	return nil
}

// MaxSerial is the highest serial ever stored, 0 for an empty store.
func (s *IdentityStore) MaxSerial() (int64, error) {
	var serial int64
	if err := s.stmtMaxSerial.QueryRow().Scan(&serial); err != nil {
		return 0, fmt.Errorf("max serial: %w", err)
	}
	return serial, nil
}

// List returns every stored identity ordered by serial.
func (s *IdentityStore) List() ([]Identity, error) {
	rows, err := s.stmtList.Query()
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	var out []Identity
	for rows.Next() {
		id, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		out = append(out, *id)
	}
	return out, rows.Err()
}

// Path is the database file location.
func (s *IdentityStore) Path() string {
	return s.dbPath
}

func (s *IdentityStore) Close() error {
	for _, stmt := range []*sql.Stmt{s.stmtLookup, s.stmtUpsert, s.stmtMaxSerial, s.stmtList} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}
