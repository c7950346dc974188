// Copyright 2026 The Nosdesk Authors
// SPDX-License-Identifier: Apache-2.0

package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kylephillipsau/nosdesk-collab/crdt"
	"github.com/kylephillipsau/nosdesk-collab/lib/clock"
	"github.com/kylephillipsau/nosdesk-collab/snapshot"
)

// serverActor identifies the server-held replica inside the CRDT. The
// server replica only merges updates originated by clients and never
// produces operations of its own, so this actor id never appears in an
// encoded state.
const serverActor crdt.ActorID = 1

// defaultEvictionGrace is how long a replica outlives its last session
// before eviction. Rapid reconnects (page reloads, flaky networks)
// reattach to the warm replica instead of re-hydrating.
const defaultEvictionGrace = 30 * time.Second

// Replica is the authoritative in-memory state for one document. All
// mutation and diff computation is serialized through an internal
// mutex, so concurrent sessions on the same document never interleave
// inside the CRDT.
type Replica struct {
	docID string

	mu            sync.Mutex
	doc           *crdt.Doc
	updates       uint64
	dirty         bool
	lastMutatedAt time.Time
}

// DocID returns the document id this replica holds state for.
func (r *Replica) DocID() string { return r.docID }

// ApplyUpdate merges an encoded update into the replica. Updates whose
// causal dependencies have not arrived yet are buffered inside the CRDT
// until the gap fills.
func (r *Replica) ApplyUpdate(update []byte, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.doc.ApplyUpdate(update); err != nil {
		return fmt.Errorf("apply update to document %q: %w", r.docID, err)
	}
	r.updates++
	r.dirty = true
	r.lastMutatedAt = now
	return nil
}

// Text returns the replica's current visible text.
func (r *Replica) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Text()
}

// Vector returns a copy of the replica's current state vector.
func (r *Replica) Vector() crdt.StateVector {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Vector()
}

// EncodeVector returns the replica's current state vector in wire form.
func (r *Replica) EncodeVector() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Vector().Encode()
}

// DiffSince computes the update set a peer with the given encoded state
// vector is missing.
func (r *Replica) DiffSince(encodedVector []byte) ([]byte, error) {
	remote, err := crdt.DecodeStateVector(encodedVector)
	if err != nil {
		return nil, fmt.Errorf("decode peer state vector for document %q: %w", r.docID, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.DiffSince(remote)
}

// Export is a consistent capture of a replica taken for persistence.
type Export struct {
	State   []byte
	Text    string
	Meta    map[string][]byte
	Updates uint64
}

// Export serializes the full replica state under the replica lock and
// clears the dirty flag. Returns ok=false when nothing changed since
// the previous export.
func (r *Replica) Export() (Export, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.dirty {
		return Export{}, false, nil
	}
	state, err := r.doc.EncodeState()
	if err != nil {
		return Export{}, false, fmt.Errorf("encode document %q: %w", r.docID, err)
	}
	meta := make(map[string][]byte)
	for _, key := range r.doc.Keys() {
		if value, ok := r.doc.Key(key); ok {
			meta[key] = value
		}
	}
	r.dirty = false
	return Export{
		State:   state,
		Text:    r.doc.Text(),
		Meta:    meta,
		Updates: r.updates,
	}, true, nil
}

// markDirty reinstates the dirty flag after a failed flush so the next
// persistence pass picks the replica up again.
func (r *Replica) markDirty() {
	r.mu.Lock()
	r.dirty = true
	r.mu.Unlock()
}

// UpdateCount returns the number of updates applied since hydration.
func (r *Replica) UpdateCount() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates
}

// StoreConfig configures a replica store.
type StoreConfig struct {
	// Snapshots is the durable backend replicas hydrate from.
	Snapshots snapshot.Store

	// Clock drives the eviction grace timer. Defaults to the real
	// clock.
	Clock clock.Clock

	// Logger receives hydration and eviction events. Required.
	Logger *slog.Logger

	// EvictionGrace is how long a replica with zero references is kept
	// before eviction. Defaults to defaultEvictionGrace.
	EvictionGrace time.Duration

	// FlushOnEvict persists a replica before it is torn down. Eviction
	// waits for it to return. Optional.
	FlushOnEvict func(ctx context.Context, replica *Replica)
}

// Store is the process-wide replica registry. It guarantees at most
// one live Replica per document id.
type Store struct {
	snapshots     snapshot.Store
	clock         clock.Clock
	logger        *slog.Logger
	evictionGrace time.Duration
	flushOnEvict  func(ctx context.Context, replica *Replica)

	mu       sync.Mutex
	replicas map[string]*replicaEntry
}

type replicaEntry struct {
	replica    *Replica
	references int
	evictTimer *clock.Timer
}

// NewStore creates a replica store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Snapshots == nil {
		return nil, fmt.Errorf("store config: Snapshots is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("store config: Logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.EvictionGrace <= 0 {
		cfg.EvictionGrace = defaultEvictionGrace
	}
	return &Store{
		snapshots:     cfg.Snapshots,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		evictionGrace: cfg.EvictionGrace,
		flushOnEvict:  cfg.FlushOnEvict,
		replicas:      make(map[string]*replicaEntry),
	}, nil
}

// Acquire returns the replica for docID, hydrating it from the latest
// snapshot on first acquisition. Each Acquire must be paired with a
// Release.
func (s *Store) Acquire(ctx context.Context, docID string) (*Replica, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.replicas[docID]; ok {
		entry.references++
		if entry.evictTimer != nil {
			entry.evictTimer.Stop()
			entry.evictTimer = nil
		}
		return entry.replica, nil
	}

	replica, err := s.hydrate(ctx, docID)
	if err != nil {
		return nil, err
	}
	s.replicas[docID] = &replicaEntry{replica: replica, references: 1}
	return replica, nil
}

// hydrate loads the latest snapshot for docID and materializes a
// replica from it. A missing snapshot yields an empty document. A
// corrupt snapshot also yields an empty document, logged loudly so the
// stored bytes can be recovered by hand, because refusing to open the
// document would take editing down with it.
func (s *Store) hydrate(ctx context.Context, docID string) (*Replica, error) {
	state, err := s.snapshots.LoadLatest(ctx, docID)
	switch {
	case err == nil:
		doc, decodeErr := crdt.NewFromState(serverActor, state)
		if decodeErr == nil {
			s.logger.Info("hydrated document replica",
				"doc_id", docID,
				"state_bytes", len(state))
			return &Replica{docID: docID, doc: doc}, nil
		}
		s.logger.Error("snapshot is corrupt, starting document from empty state; stored bytes retained for manual recovery",
			"doc_id", docID,
			"state_bytes", len(state),
			"error", decodeErr)
	case errors.Is(err, snapshot.ErrNoSnapshot):
		s.logger.Info("no snapshot found, starting document from empty state",
			"doc_id", docID)
	default:
		return nil, fmt.Errorf("load snapshot for document %q: %w", docID, err)
	}

	doc, err := crdt.New(serverActor)
	if err != nil {
		return nil, fmt.Errorf("create empty document %q: %w", docID, err)
	}
	return &Replica{docID: docID, doc: doc}, nil
}

// Release drops one reference to the replica. When the last reference
// goes, an eviction timer starts; if no session reattaches within the
// grace period the replica is flushed and removed.
func (s *Store) Release(replica *Replica) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.replicas[replica.docID]
	if !ok || entry.replica != replica {
		return
	}
	entry.references--
	if entry.references > 0 {
		return
	}
	entry.evictTimer = s.clock.AfterFunc(s.evictionGrace, func() {
		s.evict(replica)
	})
}

// evict flushes the replica and removes it from the registry. The
// entry stays mapped while the flush runs so an Acquire racing the
// eviction joins the live replica instead of hydrating a stale fork
// from the not-yet-written snapshot. Removal happens only after the
// flush, and only if no session reattached in the meantime.
func (s *Store) evict(replica *Replica) {
	s.mu.Lock()
	entry, ok := s.replicas[replica.docID]
	if !ok || entry.replica != replica || entry.references > 0 {
		s.mu.Unlock()
		return
	}
	entry.evictTimer = nil
	s.mu.Unlock()

	if s.flushOnEvict != nil {
		s.flushOnEvict(context.Background(), replica)
	}

	s.mu.Lock()
	entry, ok = s.replicas[replica.docID]
	if !ok || entry.replica != replica || entry.references > 0 || entry.evictTimer != nil {
		s.mu.Unlock()
		return
	}
	delete(s.replicas, replica.docID)
	s.mu.Unlock()
	s.logger.Info("evicted document replica", "doc_id", replica.docID)
}

// ActiveReplicas returns the number of replicas currently resident,
// including those inside their eviction grace period.
func (s *Store) ActiveReplicas() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.replicas)
}

// Close evicts every resident replica, flushing each one. Called on
// shutdown after all sessions have been closed.
func (s *Store) Close(ctx context.Context) {
	s.mu.Lock()
	entries := make([]*replicaEntry, 0, len(s.replicas))
	for docID, entry := range s.replicas {
		if entry.evictTimer != nil {
			entry.evictTimer.Stop()
		}
		entries = append(entries, entry)
		delete(s.replicas, docID)
	}
	s.mu.Unlock()

	for _, entry := range entries {
		if s.flushOnEvict != nil {
			s.flushOnEvict(ctx, entry.replica)
		}
	}
}
