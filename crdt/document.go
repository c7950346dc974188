// Copyright 2026 The Nosdesk Authors
// SPDX-License-Identifier: Apache-2.0

package crdt

import (
	"fmt"
	"sort"
	"strings"
)

// Doc is one replica of a collaboratively edited document: a text
// sequence with tombstones plus a last-writer-wins metadata map.
//
// Doc is not safe for concurrent use. Callers serialize all access;
// the collab replica store does this with a per-document lock.
type Doc struct {
	actor ActorID

	// head is a sentinel; head.next is the first element. The list
	// holds every element ever inserted, tombstones included, in
	// converged causal-tree order.
	head    *item
	items   map[ID]*item
	visible int

	vector StateVector

	// log holds applied operations per actor in clock order, so
	// log[actor][i].ID.Clock == i+1. Diffs are cut directly from it.
	log map[ActorID][]Op

	// pending buffers operations whose causal dependencies (per-actor
	// clock contiguity, origin or target presence) have not arrived.
	pending []Op

	meta map[string]metaEntry
}

type item struct {
	id      ID
	origin  ID
	value   rune
	deleted bool
	next    *item
}

type metaEntry struct {
	id   ID
	data []byte
}

// New creates an empty document replica for the given actor. The
// actor must be nonzero; pick a random value per editing session.
func New(actor ActorID) (*Doc, error) {
	if actor == 0 {
		return nil, fmt.Errorf("crdt: actor id must be nonzero")
	}
	return &Doc{
		actor:  actor,
		head:   &item{},
		items:  make(map[ID]*item),
		vector: StateVector{},
		log:    make(map[ActorID][]Op),
		meta:   make(map[string]metaEntry),
	}, nil
}

// NewFromState creates a replica and applies a full encoded state, as
// produced by EncodeState. This is the snapshot hydration path.
func NewFromState(actor ActorID, state []byte) (*Doc, error) {
	doc, err := New(actor)
	if err != nil {
		return nil, err
	}
	if len(state) > 0 {
		if _, err := doc.ApplyUpdate(state); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// Actor returns the replica's own actor ID.
func (d *Doc) Actor() ActorID { return d.actor }

// Len returns the number of visible runes.
func (d *Doc) Len() int { return d.visible }

// Text returns the visible text.
func (d *Doc) Text() string {
	var b strings.Builder
	b.Grow(d.visible)
	for it := d.head.next; it != nil; it = it.next {
		if !it.deleted {
			b.WriteRune(it.value)
		}
	}
	return b.String()
}

// Key returns the metadata value for key, if set.
func (d *Doc) Key(key string) ([]byte, bool) {
	entry, ok := d.meta[key]
	if !ok {
		return nil, false
	}
	return entry.data, true
}

// Keys returns the set metadata keys, sorted.
func (d *Doc) Keys() []string {
	keys := make([]string, 0, len(d.meta))
	for key := range d.meta {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Vector returns a copy of the replica's state vector.
func (d *Doc) Vector() StateVector { return d.vector.Clone() }

// PendingOps returns the number of buffered causally-unready
// operations. Nonzero only mid-transfer; useful for diagnostics.
func (d *Doc) PendingOps() int { return len(d.pending) }

// ApplyUpdate decodes an update and integrates its operations.
// Already-applied operations are skipped (idempotence); causally
// unready ones are buffered until their dependencies arrive. Returns
// the number of operations newly applied.
//
// A decode or validation failure applies nothing and returns an
// error; the document is untouched.
func (d *Doc) ApplyUpdate(data []byte) (int, error) {
	ops, err := DecodeUpdate(data)
	if err != nil {
		return 0, err
	}
	return d.applyOps(ops), nil
}

func (d *Doc) applyOps(ops []Op) int {
	for _, op := range ops {
		if d.vector.Covers(op.ID) {
			continue
		}
		d.pending = append(d.pending, op)
	}

	// Integrate to a fixpoint: each pass applies every op whose
	// dependencies are satisfied, which may unblock others.
	applied := 0
	for {
		progress := false
		var unready []Op
		for _, op := range d.pending {
			if d.vector.Covers(op.ID) {
				continue // duplicate delivered twice before applying
			}
			if d.isReady(op) {
				d.integrate(op)
				applied++
				progress = true
			} else {
				unready = append(unready, op)
			}
		}
		d.pending = unready
		if !progress {
			return applied
		}
	}
}

func (d *Doc) isReady(op Op) bool {
	if op.ID.Clock != d.vector[op.ID.Actor]+1 {
		return false
	}
	switch op.Kind {
	case OpInsert:
		return op.Origin.IsZero() || d.items[op.Origin] != nil
	case OpDelete:
		return d.items[op.Target] != nil
	}
	return true
}

// integrate applies one causally-ready operation and records it in
// the log. Callers guarantee readiness.
func (d *Doc) integrate(op Op) {
	switch op.Kind {
	case OpInsert:
		d.integrateInsert(op)
	case OpDelete:
		target := d.items[op.Target]
		if !target.deleted {
			target.deleted = true
			d.visible--
		}
	case OpSetKey:
		entry, exists := d.meta[op.Key]
		if !exists || entry.id.less(op.ID) {
			d.meta[op.Key] = metaEntry{id: op.ID, data: op.Data}
		}
	}
	d.log[op.ID.Actor] = append(d.log[op.ID.Actor], op)
	d.vector[op.ID.Actor] = op.ID.Clock
}

// integrateInsert places a new element into the causal-tree order.
// Scanning right from the origin, concurrent siblings (elements
// anchored at the same origin) with higher IDs are skipped together
// with their entire subtrees; the element lands before the first
// lower-ID sibling or the first element outside the origin's region.
// The resulting order is the depth-first traversal of the insertion
// tree with siblings descending by ID, which no delivery order can
// perturb.
func (d *Doc) integrateInsert(op Op) {
	left := d.head
	if !op.Origin.IsZero() {
		left = d.items[op.Origin]
	}

	skipped := make(map[ID]struct{})
	previous := left
	cursor := left.next
	for cursor != nil {
		if cursor.origin == op.Origin {
			if !op.ID.less(cursor.id) {
				break // lower-ID sibling: we precede it
			}
			skipped[cursor.id] = struct{}{}
		} else if _, within := skipped[cursor.origin]; within {
			// Descendant of a skipped sibling: stays with its parent.
			skipped[cursor.id] = struct{}{}
		} else {
			break // left the origin's region entirely
		}
		previous = cursor
		cursor = cursor.next
	}

	inserted := &item{
		id:     op.ID,
		origin: op.Origin,
		value:  []rune(op.Value)[0],
		next:   cursor,
	}
	previous.next = inserted
	d.items[op.ID] = inserted
	d.visible++
}

// nextID stamps the next local operation.
func (d *Doc) nextID() ID {
	return ID{Actor: d.actor, Clock: d.vector[d.actor] + 1}
}

// InsertText inserts text at the given visible rune position (0 =
// document head) and returns the encoded update to fan out to peers.
func (d *Doc) InsertText(position int, text string) ([]byte, error) {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil, fmt.Errorf("crdt: insert of empty text")
	}
	if position < 0 || position > d.visible {
		return nil, fmt.Errorf("crdt: insert position %d out of range 0..%d", position, d.visible)
	}

	origin := d.visibleIDBefore(position)
	ops := make([]Op, 0, len(runes))
	for _, r := range runes {
		op := Op{Kind: OpInsert, ID: d.nextID(), Origin: origin, Value: string(r)}
		d.integrate(op)
		ops = append(ops, op)
		origin = op.ID
	}
	return EncodeUpdate(ops)
}

// DeleteRange tombstones count visible runes starting at position and
// returns the encoded update to fan out.
func (d *Doc) DeleteRange(position, count int) ([]byte, error) {
	if count <= 0 {
		return nil, fmt.Errorf("crdt: delete count %d", count)
	}
	if position < 0 || position+count > d.visible {
		return nil, fmt.Errorf("crdt: delete range %d..%d out of range 0..%d", position, position+count, d.visible)
	}

	targets := make([]ID, 0, count)
	index := 0
	for it := d.head.next; it != nil && len(targets) < count; it = it.next {
		if it.deleted {
			continue
		}
		if index >= position {
			targets = append(targets, it.id)
		}
		index++
	}

	ops := make([]Op, 0, len(targets))
	for _, target := range targets {
		op := Op{Kind: OpDelete, ID: d.nextID(), Target: target}
		d.integrate(op)
		ops = append(ops, op)
	}
	return EncodeUpdate(ops)
}

// SetKey writes a metadata map entry (for example the document title)
// and returns the encoded update to fan out.
func (d *Doc) SetKey(key string, data []byte) ([]byte, error) {
	if key == "" {
		return nil, fmt.Errorf("crdt: empty metadata key")
	}
	op := Op{Kind: OpSetKey, ID: d.nextID(), Key: key, Data: data}
	d.integrate(op)
	return EncodeUpdate([]Op{op})
}

// visibleIDBefore returns the ID of the visible element immediately
// left of the given visible position, or the zero ID for position 0.
func (d *Doc) visibleIDBefore(position int) ID {
	if position == 0 {
		return ID{}
	}
	index := 0
	for it := d.head.next; it != nil; it = it.next {
		if it.deleted {
			continue
		}
		index++
		if index == position {
			return it.id
		}
	}
	return ID{}
}

// DiffSince encodes every applied operation the given remote vector
// does not cover — the minimal update that brings the remote replica
// up to this one. Used both for the sync handshake and for snapshot
// comparison.
func (d *Doc) DiffSince(remote StateVector) ([]byte, error) {
	actors := make([]ActorID, 0, len(d.log))
	for actor := range d.log {
		actors = append(actors, actor)
	}
	sort.Slice(actors, func(i, j int) bool { return actors[i] < actors[j] })

	var ops []Op
	for _, actor := range actors {
		have := d.log[actor]
		seen := remote[actor]
		if seen >= uint64(len(have)) {
			continue
		}
		ops = append(ops, have[seen:]...)
	}
	return EncodeUpdate(ops)
}

// EncodeState encodes the full document state as one update. Two
// converged replicas produce byte-identical encodings. Buffered
// causally-unready operations are not part of the state.
func (d *Doc) EncodeState() ([]byte, error) {
	return d.DiffSince(StateVector{})
}
