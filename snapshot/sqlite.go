// Copyright 2026 The Nosdesk Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zeebo/blake3"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/kylephillipsau/nosdesk-collab/lib/sqlitepool"
)

// historyDefaultLimit caps History listings when the caller passes 0.
const historyDefaultLimit = 50

// SQLiteConfig holds the parameters for opening a SQLite-backed
// snapshot store.
type SQLiteConfig struct {
	// Path is the database file. Required.
	Path string

	// PoolSize is the connection pool size. Defaults to 4.
	PoolSize int

	// Compression selects the writer's blob compression. Defaults to
	// zstd. Reads handle every known tag regardless.
	Compression Compression

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger
}

// SQLiteStore is the embedded snapshot backend.
type SQLiteStore struct {
	pool        *sqlitepool.Pool
	compression Compression
	logger      *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS snapshots (
		sequence   INTEGER PRIMARY KEY AUTOINCREMENT,
		doc_id     TEXT NOT NULL,
		state      BLOB NOT NULL,
		state_size INTEGER NOT NULL,
		state_hash BLOB NOT NULL,
		rendered   TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_doc ON snapshots(doc_id, sequence);
`

// OpenSQLite opens (creating if needed) a SQLite snapshot store.
func OpenSQLite(cfg SQLiteConfig) (*SQLiteStore, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	compression := cfg.Compression
	if compression == 0 {
		compression = CompressionZstd
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, sqliteSchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}

	return &SQLiteStore{pool: pool, compression: compression, logger: logger}, nil
}

// Close closes the underlying pool.
func (s *SQLiteStore) Close() error {
	return s.pool.Close()
}

// LoadLatest returns the most recent decoded state for a document.
func (s *SQLiteStore) LoadLatest(ctx context.Context, docID string) ([]byte, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: load %s: %w", docID, err)
	}
	defer s.pool.Put(conn)

	var blob []byte
	err = sqlitex.Execute(conn,
		"SELECT state FROM snapshots WHERE doc_id = ? ORDER BY sequence DESC LIMIT 1",
		&sqlitex.ExecOptions{
			Args: []any{docID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				blob = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, blob)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("snapshot: load %s: %w", docID, err)
	}
	if blob == nil {
		return nil, ErrNoSnapshot
	}

	state, err := decodeBlob(blob)
	if err != nil {
		return nil, fmt.Errorf("snapshot: load %s: %w", docID, err)
	}
	return state, nil
}

// Append stores a new version unless the state is byte-identical to
// the latest stored version (compared by content hash).
func (s *SQLiteStore) Append(ctx context.Context, record Record) (bool, error) {
	if record.DocID == "" {
		return false, fmt.Errorf("snapshot: append with empty doc id")
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("snapshot: append %s: %w", record.DocID, err)
	}
	defer s.pool.Put(conn)

	hash := blake3.Sum256(record.State)

	var latestHash []byte
	err = sqlitex.Execute(conn,
		"SELECT state_hash FROM snapshots WHERE doc_id = ? ORDER BY sequence DESC LIMIT 1",
		&sqlitex.ExecOptions{
			Args: []any{record.DocID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				latestHash = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, latestHash)
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("snapshot: append %s: %w", record.DocID, err)
	}
	if bytes.Equal(latestHash, hash[:]) {
		return false, nil
	}

	blob, err := encodeBlob(record.State, s.compression)
	if err != nil {
		return false, fmt.Errorf("snapshot: append %s: %w", record.DocID, err)
	}

	var rendered any
	if record.Rendered != "" {
		rendered = record.Rendered
	}

	err = sqlitex.Execute(conn,
		"INSERT INTO snapshots (doc_id, state, state_size, state_hash, rendered, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		&sqlitex.ExecOptions{
			Args: []any{record.DocID, blob, len(record.State), hash[:], rendered, record.CreatedAt.UnixNano()},
		})
	if err != nil {
		return false, fmt.Errorf("snapshot: append %s: %w", record.DocID, err)
	}

	s.logger.Debug("snapshot appended",
		"doc_id", record.DocID,
		"state_bytes", len(record.State),
		"blob_bytes", len(blob),
		"rendered", record.Rendered != "",
	)
	return true, nil
}

// LatestRendered returns the newest non-empty rendered projection.
func (s *SQLiteStore) LatestRendered(ctx context.Context, docID string) (string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", fmt.Errorf("snapshot: rendered %s: %w", docID, err)
	}
	defer s.pool.Put(conn)

	rendered := ""
	found := false
	err = sqlitex.Execute(conn,
		"SELECT rendered FROM snapshots WHERE doc_id = ? AND rendered IS NOT NULL ORDER BY sequence DESC LIMIT 1",
		&sqlitex.ExecOptions{
			Args: []any{docID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rendered = stmt.ColumnText(0)
				found = true
				return nil
			},
		})
	if err != nil {
		return "", fmt.Errorf("snapshot: rendered %s: %w", docID, err)
	}
	if !found {
		return "", ErrNoSnapshot
	}
	return rendered, nil
}

// History lists stored versions, newest first.
func (s *SQLiteStore) History(ctx context.Context, docID string, limit int) ([]Version, error) {
	if limit <= 0 {
		limit = historyDefaultLimit
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: history %s: %w", docID, err)
	}
	defer s.pool.Put(conn)

	var versions []Version
	err = sqlitex.Execute(conn,
		`SELECT sequence, created_at, state_size, rendered IS NOT NULL
		 FROM snapshots WHERE doc_id = ? ORDER BY sequence DESC LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{docID, limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				versions = append(versions, Version{
					Sequence:    stmt.ColumnInt64(0),
					CreatedAt:   time.Unix(0, stmt.ColumnInt64(1)).UTC(),
					StateSize:   stmt.ColumnInt(2),
					HasRendered: stmt.ColumnInt(3) == 1,
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("snapshot: history %s: %w", docID, err)
	}
	return versions, nil
}
