// Copyright 2026 The Nosdesk Authors
// SPDX-License-Identifier: Apache-2.0

package collab

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kylephillipsau/nosdesk-collab/crdt"
	"github.com/kylephillipsau/nosdesk-collab/lib/clock"
)

// persistHarness wires a replica store and persister around an
// in-memory snapshot backend on a fake clock.
type persistHarness struct {
	snapshots *memSnapshots
	clock     *clock.FakeClock
	store     *Store
	persister *Persister
}

func newPersistHarness(t *testing.T, cfg PersisterConfig) *persistHarness {
	t.Helper()
	h := &persistHarness{
		snapshots: newMemSnapshots(),
		clock:     clock.Fake(storeTestEpoch),
	}
	cfg.Snapshots = h.snapshots
	cfg.Clock = h.clock
	cfg.Logger = testLogger(t)
	persister, err := NewPersister(cfg)
	if err != nil {
		t.Fatalf("NewPersister: %v", err)
	}
	h.persister = persister

	store, err := NewStore(StoreConfig{
		Snapshots:    h.snapshots,
		Clock:        h.clock,
		Logger:       testLogger(t),
		FlushOnEvict: persister.FlushNow,
	})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	h.store = store
	return h
}

func (h *persistHarness) acquire(t *testing.T, docID string) *Replica {
	t.Helper()
	replica, err := h.store.Acquire(context.Background(), docID)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	return replica
}

// mutate applies a single-client insert and notifies the persister,
// mirroring the session read path.
func (h *persistHarness) mutate(t *testing.T, replica *Replica, doc *crdt.Doc, position int, text string) {
	t.Helper()
	update, err := doc.InsertText(position, text)
	if err != nil {
		t.Fatalf("InsertText: %v", err)
	}
	if err := replica.ApplyUpdate(update, h.clock.Now()); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	h.persister.Note(replica)
}

func clientDoc(t *testing.T, actor crdt.ActorID) *crdt.Doc {
	t.Helper()
	doc, err := crdt.New(actor)
	if err != nil {
		t.Fatalf("crdt.New: %v", err)
	}
	return doc
}

func decodeText(t *testing.T, state []byte) string {
	t.Helper()
	doc, err := crdt.NewFromState(999, state)
	if err != nil {
		t.Fatalf("NewFromState: %v", err)
	}
	return doc.Text()
}

func TestPersistDebounceFlushesAfterQuiet(t *testing.T) {
	t.Parallel()
	h := newPersistHarness(t, PersisterConfig{Debounce: 15 * time.Second})
	replica := h.acquire(t, "42")
	defer h.store.Release(replica)
	doc := clientDoc(t, 7)

	h.mutate(t, replica, doc, 0, "Hello")
	if h.snapshots.versionCount("42") != 0 {
		t.Fatal("snapshot written before the debounce elapsed")
	}

	h.clock.Advance(15 * time.Second)
	if h.snapshots.versionCount("42") != 1 {
		t.Fatalf("snapshot count after debounce: %d", h.snapshots.versionCount("42"))
	}
	if got := decodeText(t, h.snapshots.latestState("42")); got != "Hello" {
		t.Errorf("persisted text: %q", got)
	}
}

func TestPersistDebounceResetsOnMutation(t *testing.T) {
	t.Parallel()
	h := newPersistHarness(t, PersisterConfig{
		Debounce: 15 * time.Second,
		MaxAge:   time.Hour,
	})
	replica := h.acquire(t, "42")
	defer h.store.Release(replica)
	doc := clientDoc(t, 7)

	h.mutate(t, replica, doc, 0, "a")
	h.clock.Advance(10 * time.Second)
	h.mutate(t, replica, doc, 1, "b")
	h.clock.Advance(10 * time.Second)
	if h.snapshots.versionCount("42") != 0 {
		t.Fatal("snapshot written while mutations kept arriving")
	}

	h.clock.Advance(5 * time.Second)
	if h.snapshots.versionCount("42") != 1 {
		t.Fatalf("snapshot count after quiet period: %d", h.snapshots.versionCount("42"))
	}
	if got := decodeText(t, h.snapshots.latestState("42")); got != "ab" {
		t.Errorf("persisted text: %q", got)
	}
}

func TestPersistAgeCeilingBoundsStaleness(t *testing.T) {
	t.Parallel()
	h := newPersistHarness(t, PersisterConfig{
		Debounce: 15 * time.Second,
		MaxAge:   time.Minute,
	})
	replica := h.acquire(t, "42")
	defer h.store.Release(replica)
	doc := clientDoc(t, 7)

	// Sustained typing: every mutation lands inside the debounce
	// window, so only the age ceiling can trigger a write.
	for i := 0; i < 12; i++ {
		h.mutate(t, replica, doc, i, "x")
		h.clock.Advance(10 * time.Second)
		if h.snapshots.versionCount("42") > 0 {
			break
		}
	}
	if h.snapshots.versionCount("42") == 0 {
		t.Fatal("age ceiling never produced a snapshot under sustained mutation")
	}
}

func TestPersistUpdateCountCeiling(t *testing.T) {
	t.Parallel()
	h := newPersistHarness(t, PersisterConfig{
		Debounce:   time.Hour,
		MaxAge:     24 * time.Hour,
		MaxUpdates: 10,
	})
	replica := h.acquire(t, "42")
	defer h.store.Release(replica)
	doc := clientDoc(t, 7)

	for i := 0; i < 10; i++ {
		h.mutate(t, replica, doc, i, "y")
	}
	// The count trigger flushes on its own goroutine.
	waitFor(t, func() bool { return h.snapshots.versionCount("42") == 1 })
	if got := decodeText(t, h.snapshots.latestState("42")); got != strings.Repeat("y", 10) {
		t.Errorf("persisted text: %q", got)
	}
}

func TestPersistFlushNowBypassesTimers(t *testing.T) {
	t.Parallel()
	h := newPersistHarness(t, PersisterConfig{Debounce: time.Hour})
	replica := h.acquire(t, "42")
	defer h.store.Release(replica)
	doc := clientDoc(t, 7)

	h.mutate(t, replica, doc, 0, "now")
	h.persister.FlushNow(context.Background(), replica)
	if h.snapshots.versionCount("42") != 1 {
		t.Fatalf("snapshot count after FlushNow: %d", h.snapshots.versionCount("42"))
	}

	// The cancelled debounce timer must not produce a duplicate.
	h.clock.Advance(2 * time.Hour)
	if h.snapshots.versionCount("42") != 1 {
		t.Errorf("snapshot count after timers: %d", h.snapshots.versionCount("42"))
	}
}

func TestPersistCleanReplicaWritesNothing(t *testing.T) {
	t.Parallel()
	h := newPersistHarness(t, PersisterConfig{})
	replica := h.acquire(t, "42")
	defer h.store.Release(replica)

	h.persister.FlushNow(context.Background(), replica)
	if h.snapshots.versionCount("42") != 0 {
		t.Errorf("clean replica produced a snapshot")
	}
}

func TestPersistFailureRetriesOnNextTrigger(t *testing.T) {
	t.Parallel()
	h := newPersistHarness(t, PersisterConfig{
		Debounce:    10 * time.Second,
		RetryBudget: time.Millisecond,
	})
	replica := h.acquire(t, "42")
	defer h.store.Release(replica)
	doc := clientDoc(t, 7)

	h.snapshots.setAppendErr(errors.New("disk full"))
	h.mutate(t, replica, doc, 0, "keep me")
	h.clock.Advance(10 * time.Second)
	if h.snapshots.versionCount("42") != 0 {
		t.Fatal("append failure still produced a snapshot")
	}

	// Editing continues through the outage; the backend then heals and
	// the next trigger persists everything.
	h.snapshots.setAppendErr(nil)
	h.mutate(t, replica, doc, 7, "!")
	h.clock.Advance(10 * time.Second)
	if h.snapshots.versionCount("42") != 1 {
		t.Fatalf("snapshot count after recovery: %d", h.snapshots.versionCount("42"))
	}
	if got := decodeText(t, h.snapshots.latestState("42")); got != "keep me!" {
		t.Errorf("persisted text: %q", got)
	}
}

func TestPersistRenderedProjectionFromSameState(t *testing.T) {
	t.Parallel()
	h := newPersistHarness(t, PersisterConfig{
		Adapter:  MarkdownAdapter{},
		Debounce: 10 * time.Second,
	})
	replica := h.acquire(t, "42")
	defer h.store.Release(replica)
	doc := clientDoc(t, 7)

	h.mutate(t, replica, doc, 0, "# Heading\n\nBody text.")
	h.clock.Advance(10 * time.Second)

	record, ok := h.snapshots.latestRecord("42")
	if !ok {
		t.Fatal("no snapshot written")
	}
	if !strings.Contains(record.Rendered, "<h1>Heading</h1>") {
		t.Errorf("rendered projection: %q", record.Rendered)
	}
	if !strings.Contains(record.Rendered, "Body text.") {
		t.Errorf("rendered projection missing body: %q", record.Rendered)
	}
}

func TestPersistEvictionFlushes(t *testing.T) {
	t.Parallel()
	h := newPersistHarness(t, PersisterConfig{Debounce: time.Hour})
	replica := h.acquire(t, "42")
	doc := clientDoc(t, 7)

	h.mutate(t, replica, doc, 0, "before eviction")
	h.store.Release(replica)
	h.clock.Advance(defaultEvictionGrace)

	if h.snapshots.versionCount("42") != 1 {
		t.Fatalf("snapshot count after eviction: %d", h.snapshots.versionCount("42"))
	}
	if got := decodeText(t, h.snapshots.latestState("42")); got != "before eviction" {
		t.Errorf("persisted text: %q", got)
	}
}

// waitFor polls until the condition holds, failing after a real-time
// deadline. Used where work happens on a goroutine the fake clock
// cannot drive deterministically.
func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(recvTimeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}
