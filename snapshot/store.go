// Copyright 2026 The Nosdesk Authors
// SPDX-License-Identifier: Apache-2.0

// Package snapshot provides durable, versioned storage for document
// state. Snapshots are append-style: each write adds a new version
// and earlier versions are retained for history browsing. Pruning old
// versions is a separate operational concern and not implemented here.
//
// Two backends ship: SQLite (embedded, the default deployment) and
// PostgreSQL (for installations that already run one). Both store the
// same record shape and the same compressed blob framing, so a
// deployment can migrate by copying rows.
package snapshot

import (
	"context"
	"errors"
	"time"
)

// ErrNoSnapshot is returned when a document has no persisted
// snapshot. Callers treat it as "start from an empty document".
var ErrNoSnapshot = errors.New("snapshot: no snapshot for document")

// Record is one snapshot write: the full serialized document state
// plus an optional rendered projection for non-realtime consumers.
type Record struct {
	DocID string

	// State is the full encoded document state, as produced by the
	// replica's EncodeState. Never a delta.
	State []byte

	// Rendered is the human-readable projection of the same state,
	// or empty when the caller produced none. Always derived from
	// State in the same transaction, never computed separately.
	Rendered string

	CreatedAt time.Time
}

// Version describes one stored snapshot for history listings. State
// bytes are intentionally absent; history pages show metadata only.
type Version struct {
	// Sequence orders versions for one document, oldest first.
	Sequence int64

	CreatedAt   time.Time
	StateSize   int
	HasRendered bool
}

// Store is the persistence contract the engine consumes. Load paths
// return ErrNoSnapshot for unknown documents.
type Store interface {
	// LoadLatest returns the most recent state for a document.
	LoadLatest(ctx context.Context, docID string) ([]byte, error)

	// Append stores a new snapshot version. When the state content
	// hash equals the latest stored version's, the write is skipped
	// and Append reports stored=false.
	Append(ctx context.Context, record Record) (stored bool, err error)

	// LatestRendered returns the most recent non-empty rendered
	// projection for a document.
	LatestRendered(ctx context.Context, docID string) (string, error)

	// History lists stored versions for a document, newest first,
	// up to limit (0 means a backend-chosen default).
	History(ctx context.Context, docID string, limit int) ([]Version, error)

	Close() error
}
