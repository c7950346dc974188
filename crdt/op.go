// Copyright 2026 The Nosdesk Authors
// SPDX-License-Identifier: Apache-2.0

package crdt

import (
	"fmt"

	"github.com/kylephillipsau/nosdesk-collab/lib/codec"
)

// OpKind discriminates the closed set of operations a document
// understands. The values are wire constants; changing them breaks
// every persisted snapshot.
type OpKind uint8

const (
	// OpInsert places one rune after the element identified by
	// Origin (or at the document head when Origin is zero).
	OpInsert OpKind = 1

	// OpDelete tombstones the element identified by Target. The
	// element stays in the sequence as an anchor for concurrent
	// inserts; it just stops being visible.
	OpDelete OpKind = 2

	// OpSetKey writes a metadata map entry. Concurrent writes to the
	// same key resolve last-writer-wins by operation ID.
	OpSetKey OpKind = 3
)

// Op is a single document operation. Kind selects which of the
// optional fields are meaningful.
type Op struct {
	Kind OpKind `cbor:"k"`
	ID   ID     `cbor:"i"`

	// Origin anchors an insert: the ID of the element immediately to
	// the left at the moment the insert was produced. Zero means the
	// document head. Insert only.
	Origin ID `cbor:"o"`

	// Value is the inserted text, exactly one rune. Insert only.
	Value string `cbor:"v,omitempty"`

	// Target is the element being tombstoned. Delete only.
	Target ID `cbor:"t"`

	// Key and Data carry a metadata map write. SetKey only.
	Key  string `cbor:"m,omitempty"`
	Data []byte `cbor:"d,omitempty"`
}

// validate rejects structurally impossible operations before they get
// anywhere near a document. A malformed op in an update fails the
// whole update; the caller decides whether that kills the session.
func (op Op) validate() error {
	if op.ID.IsZero() || op.ID.Actor == 0 {
		return fmt.Errorf("crdt: op with invalid id %s", op.ID)
	}
	switch op.Kind {
	case OpInsert:
		if len([]rune(op.Value)) != 1 {
			return fmt.Errorf("crdt: insert %s carries %d runes, want 1", op.ID, len([]rune(op.Value)))
		}
	case OpDelete:
		if op.Target.IsZero() {
			return fmt.Errorf("crdt: delete %s has no target", op.ID)
		}
	case OpSetKey:
		if op.Key == "" {
			return fmt.Errorf("crdt: set %s has empty key", op.ID)
		}
	default:
		return fmt.Errorf("crdt: unknown op kind %d in %s", op.Kind, op.ID)
	}
	return nil
}

// update is the wire envelope for a batch of operations.
type update struct {
	Ops []Op `cbor:"ops"`
}

// EncodeUpdate serializes a batch of operations to deterministic
// CBOR. The encoding is position-independent: applying the same set
// of updates in any order converges.
func EncodeUpdate(ops []Op) ([]byte, error) {
	data, err := codec.Marshal(update{Ops: ops})
	if err != nil {
		return nil, fmt.Errorf("crdt: encode update: %w", err)
	}
	return data, nil
}

// DecodeUpdate parses an update and validates every operation in it.
func DecodeUpdate(data []byte) ([]Op, error) {
	var u update
	if err := codec.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("crdt: decode update: %w", err)
	}
	for _, op := range u.Ops {
		if err := op.validate(); err != nil {
			return nil, err
		}
	}
	return u.Ops, nil
}
