package receiptlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/mukernel/pkg/receipt"
)

// dialect is the placeholder style of one SQL backend.
type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// bind rewrites "?" placeholders for the dialect.
func (d dialect) bind(q string) string {
	if d != dialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, c := range q {
		if c == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

// sqlLog is the insert-only relational log shared by SQLite and Postgres.
// The full receipt is stored as deterministic CBOR next to the columns
// needed for lookups; (session_id, sequence) is unique so concurrent
// writers cannot fork a chain.
type sqlLog struct {
	db      *sql.DB
	dialect dialect
}

const schema = `CREATE TABLE IF NOT EXISTS mukernel_receipts (
	hash TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	sequence BIGINT NOT NULL,
	parent_hash TEXT NOT NULL DEFAULT '',
	operation_id TEXT NOT NULL,
	outcome TEXT NOT NULL,
	body BYTEA NOT NULL,
	UNIQUE (session_id, sequence)
)`

// SQLite has no BYTEA; BLOB affinity is what the type name maps to.
const schemaSQLite = `CREATE TABLE IF NOT EXISTS mukernel_receipts (
	hash TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	parent_hash TEXT NOT NULL DEFAULT '',
	operation_id TEXT NOT NULL,
	outcome TEXT NOT NULL,
	body BLOB NOT NULL,
	UNIQUE (session_id, sequence)
)`

const (
	qTail   = `SELECT hash, sequence FROM mukernel_receipts WHERE session_id = ? ORDER BY sequence DESC LIMIT 1`
	qInsert = `INSERT INTO mukernel_receipts (hash, session_id, sequence, parent_hash, operation_id, outcome, body) VALUES (?, ?, ?, ?, ?, ?, ?)`
	qChain  = `SELECT body FROM mukernel_receipts WHERE session_id = ? ORDER BY sequence ASC`
	qGet    = `SELECT body FROM mukernel_receipts WHERE hash = ?`
)

func (s *sqlLog) migrate(ctx context.Context) error {
	ddl := schema
	if s.dialect == dialectSQLite {
		ddl = schemaSQLite
	}
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("receiptlog: migrate: %w", err)
	}
	return nil
}

func (s *sqlLog) Append(ctx context.Context, r *receipt.Receipt) error {
	if err := validate(r); err != nil {
		return err
	}
	body, err := receipt.MarshalCBOR(r)
	if err != nil {
		return err
	}

	var (
		tailHash string
		tailSeq  int64
		tail     *receipt.Link
	)
	err = s.db.QueryRowContext(ctx, s.dialect.bind(qTail), r.SessionID).Scan(&tailHash, &tailSeq)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("receiptlog: read tail: %w", err)
	default:
		tail = &receipt.Link{Hash: tailHash, Sequence: uint64(tailSeq)}
	}
	if err := checkContinuity(tail, r); err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.dialect.bind(qInsert),
		r.Hash, r.SessionID, int64(r.Sequence), r.ParentHash, r.OperationID, string(r.Outcome), body,
	)
	if err != nil {
		return fmt.Errorf("receiptlog: insert receipt: %w", err)
	}
	return nil
}

func (s *sqlLog) Chain(ctx context.Context, sessionID string) ([]*receipt.Receipt, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.bind(qChain), sessionID)
	if err != nil {
		return nil, fmt.Errorf("receiptlog: query chain: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var chain []*receipt.Receipt
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		r, err := receipt.UnmarshalCBOR(body)
		if err != nil {
			return nil, err
		}
		chain = append(chain, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return chain, nil
}

func (s *sqlLog) Get(ctx context.Context, hash string) (*receipt.Receipt, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, s.dialect.bind(qGet), hash).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("receiptlog: get: %w", err)
	}
	return receipt.UnmarshalCBOR(body)
}

// SQLiteLog stores receipts in SQLite (modernc.org/sqlite, no cgo).
type SQLiteLog struct{ sqlLog }

// NewSQLiteLog wraps an open database and creates the table if needed.
func NewSQLiteLog(ctx context.Context, db *sql.DB) (*SQLiteLog, error) {
	l := &SQLiteLog{sqlLog{db: db, dialect: dialectSQLite}}
	if err := l.migrate(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

// OpenSQLite opens path (":memory:" for a scratch log).
func OpenSQLite(ctx context.Context, path string) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("receiptlog: open sqlite: %w", err)
	}
	// A single connection keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)
	return NewSQLiteLog(ctx, db)
}

// Close closes the underlying database.
func (l *SQLiteLog) Close() error { return l.db.Close() }

// PostgresLog stores receipts in PostgreSQL (lib/pq driver).
type PostgresLog struct{ sqlLog }

// NewPostgresLog wraps an open database. Call Migrate once at startup.
func NewPostgresLog(db *sql.DB) *PostgresLog {
	return &PostgresLog{sqlLog{db: db, dialect: dialectPostgres}}
}

// OpenPostgres connects with dsn and migrates.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresLog, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("receiptlog: open postgres: %w", err)
	}
	l := NewPostgresLog(db)
	if err := l.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

// Migrate creates the receipts table if it does not exist.
func (l *PostgresLog) Migrate(ctx context.Context) error { return l.migrate(ctx) }

// Close closes the underlying database.
func (l *PostgresLog) Close() error { return l.db.Close() }
