// Copyright 2026 The Nosdesk Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(SQLiteConfig{
		Path: filepath.Join(t.TempDir(), "snapshots.db"),
	})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return store
}

var testCreatedAt = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func TestSQLiteAppendAndLoadLatest(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	state := []byte(strings.Repeat("op op op ", 100))
	stored, err := store.Append(ctx, Record{
		DocID:     "42",
		State:     state,
		Rendered:  "<p>hello</p>",
		CreatedAt: testCreatedAt,
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if !stored {
		t.Fatal("first append reported stored=false")
	}

	loaded, err := store.LoadLatest(ctx, "42")
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if !bytes.Equal(loaded, state) {
		t.Error("loaded state differs from appended state")
	}
}

func TestSQLiteLoadLatestMissing(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)

	_, err := store.LoadLatest(context.Background(), "nope")
	if !errors.Is(err, ErrNoSnapshot) {
		t.Errorf("LoadLatest on missing doc: got %v, want ErrNoSnapshot", err)
	}
}

func TestSQLiteAppendDeduplicatesIdenticalState(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	record := Record{DocID: "doc", State: []byte("same state"), CreatedAt: testCreatedAt}
	if stored, err := store.Append(ctx, record); err != nil || !stored {
		t.Fatalf("first append: stored=%v err=%v", stored, err)
	}

	record.CreatedAt = testCreatedAt.Add(time.Minute)
	stored, err := store.Append(ctx, record)
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	if stored {
		t.Error("identical state was stored again")
	}

	history, err := store.History(ctx, "doc", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 {
		t.Errorf("history has %d versions, want 1", len(history))
	}
}

func TestSQLiteVersionsRetainedNewestFirst(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	for i, state := range []string{"v1", "v2 longer", "v3 the longest of all"} {
		stored, err := store.Append(ctx, Record{
			DocID:     "doc",
			State:     []byte(state),
			CreatedAt: testCreatedAt.Add(time.Duration(i) * time.Minute),
		})
		if err != nil || !stored {
			t.Fatalf("append %d: stored=%v err=%v", i, stored, err)
		}
	}

	// Latest load sees the newest version; earlier versions remain.
	loaded, err := store.LoadLatest(ctx, "doc")
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if string(loaded) != "v3 the longest of all" {
		t.Errorf("LoadLatest: got %q", loaded)
	}

	history, err := store.History(ctx, "doc", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history has %d versions, want 3", len(history))
	}
	if !history[0].CreatedAt.After(history[2].CreatedAt) {
		t.Error("history is not newest first")
	}
	if history[0].StateSize != len("v3 the longest of all") {
		t.Errorf("newest StateSize: got %d", history[0].StateSize)
	}
}

func TestSQLiteLatestRendered(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.LatestRendered(ctx, "doc"); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("LatestRendered before any append: %v", err)
	}

	appends := []Record{
		{DocID: "doc", State: []byte("a"), Rendered: "<p>a</p>", CreatedAt: testCreatedAt},
		{DocID: "doc", State: []byte("b"), CreatedAt: testCreatedAt.Add(time.Minute)},
	}
	for _, record := range appends {
		if _, err := store.Append(ctx, record); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	// The second version has no rendered projection; the first one's
	// is still the latest rendered form.
	rendered, err := store.LatestRendered(ctx, "doc")
	if err != nil {
		t.Fatalf("LatestRendered: %v", err)
	}
	if rendered != "<p>a</p>" {
		t.Errorf("LatestRendered: got %q", rendered)
	}
}

func TestSQLiteDocumentsIsolated(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Append(ctx, Record{DocID: "a", State: []byte("state a"), CreatedAt: testCreatedAt}); err != nil {
		t.Fatalf("Append a: %v", err)
	}
	if _, err := store.Append(ctx, Record{DocID: "b", State: []byte("state b"), CreatedAt: testCreatedAt}); err != nil {
		t.Fatalf("Append b: %v", err)
	}

	loaded, err := store.LoadLatest(ctx, "a")
	if err != nil {
		t.Fatalf("LoadLatest a: %v", err)
	}
	if string(loaded) != "state a" {
		t.Errorf("doc a state: got %q", loaded)
	}
}
