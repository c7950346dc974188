// Copyright 2026 The Nosdesk Authors
// SPDX-License-Identifier: Apache-2.0

package collab

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kylephillipsau/nosdesk-collab/lib/clock"
	"github.com/kylephillipsau/nosdesk-collab/snapshot"
)

const (
	// defaultDebounce is how long after the last mutation a snapshot
	// is written. Long enough to coalesce a typing burst, short enough
	// that a crash loses seconds of work, not minutes.
	defaultDebounce = 15 * time.Second

	// defaultMaxAge bounds how stale durable state may get while a
	// document is under continuous mutation. The debounce timer keeps
	// resetting during sustained typing; the age ceiling does not.
	defaultMaxAge = 2 * time.Minute

	// defaultMaxUpdates is the update-count ceiling between snapshots.
	defaultMaxUpdates = 100

	// defaultRetryBudget bounds the backoff retry loop for one flush.
	// When the budget runs out the replica is re-marked dirty and the
	// next trigger tries again, so nothing is lost while the backend
	// is down.
	defaultRetryBudget = time.Minute
)

// PersisterConfig configures a snapshot persister.
type PersisterConfig struct {
	// Snapshots is the durable backend flushes append to.
	Snapshots snapshot.Store

	// Adapter renders the human-readable projection stored alongside
	// each snapshot. Optional; without one snapshots carry no rendered
	// form.
	Adapter Adapter

	// Clock drives the debounce and age-ceiling timers. Defaults to
	// the real clock.
	Clock clock.Clock

	// Logger receives flush outcomes. Required.
	Logger *slog.Logger

	// Debounce, MaxAge, and MaxUpdates override the flush triggers.
	Debounce   time.Duration
	MaxAge     time.Duration
	MaxUpdates uint64

	// RetryBudget bounds the retry loop of a single flush attempt.
	RetryBudget time.Duration
}

// Persister writes debounced snapshots of mutated replicas. It observes
// replica mutations through Note and persists asynchronously, so the
// editing path never waits on storage.
type Persister struct {
	snapshots   snapshot.Store
	adapter     Adapter
	clock       clock.Clock
	logger      *slog.Logger
	debounce    time.Duration
	maxAge      time.Duration
	maxUpdates  uint64
	retryBudget time.Duration

	mu      sync.Mutex
	pending map[string]*pendingFlush
}

// pendingFlush tracks an unflushed replica. The debounce timer resets
// on every mutation; the deadline timer is armed once when the replica
// first becomes dirty and enforces the age ceiling.
type pendingFlush struct {
	replica  *Replica
	debounce *clock.Timer
	deadline *clock.Timer
	baseline uint64
}

// NewPersister creates a persister.
func NewPersister(cfg PersisterConfig) (*Persister, error) {
	if cfg.Snapshots == nil {
		return nil, fmt.Errorf("persister config: Snapshots is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("persister config: Logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = defaultMaxAge
	}
	if cfg.MaxUpdates == 0 {
		cfg.MaxUpdates = defaultMaxUpdates
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = defaultRetryBudget
	}
	return &Persister{
		snapshots:   cfg.Snapshots,
		adapter:     cfg.Adapter,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		debounce:    cfg.Debounce,
		maxAge:      cfg.MaxAge,
		maxUpdates:  cfg.MaxUpdates,
		retryBudget: cfg.RetryBudget,
		pending:     make(map[string]*pendingFlush),
	}, nil
}

// Note records that a replica was just mutated and (re)schedules its
// flush. Called on the session read path after every applied update;
// everything it does is timer bookkeeping, the actual write happens
// later on a timer goroutine.
func (p *Persister) Note(replica *Replica) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.pending[replica.DocID()]
	if !ok {
		entry = &pendingFlush{replica: replica}
		entry.deadline = p.clock.AfterFunc(p.maxAge, func() {
			p.flush(replica)
		})
		p.pending[replica.DocID()] = entry
	}

	if replica.UpdateCount()-entry.baseline >= p.maxUpdates {
		go p.flush(replica)
		return
	}

	if entry.debounce != nil {
		entry.debounce.Stop()
	}
	entry.debounce = p.clock.AfterFunc(p.debounce, func() {
		p.flush(replica)
	})
}

// FlushNow persists a replica immediately, bypassing the timers. Used
// for eviction and shutdown, where the replica is about to disappear.
func (p *Persister) FlushNow(ctx context.Context, replica *Replica) {
	p.flushWithContext(ctx, replica)
}

func (p *Persister) flush(replica *Replica) {
	p.flushWithContext(context.Background(), replica)
}

func (p *Persister) flushWithContext(ctx context.Context, replica *Replica) {
	p.mu.Lock()
	if entry, ok := p.pending[replica.DocID()]; ok && entry.replica == replica {
		if entry.debounce != nil {
			entry.debounce.Stop()
		}
		entry.deadline.Stop()
		delete(p.pending, replica.DocID())
	}
	p.mu.Unlock()

	export, dirty, err := replica.Export()
	if err != nil {
		p.logger.Error("failed to export replica for snapshot",
			"doc_id", replica.DocID(),
			"error", err)
		return
	}
	if !dirty {
		return
	}

	record := snapshot.Record{
		DocID:     replica.DocID(),
		State:     export.State,
		CreatedAt: p.clock.Now(),
	}
	if p.adapter != nil {
		rendered, renderErr := p.adapter.Render(export.Text, export.Meta)
		if renderErr != nil {
			p.logger.Warn("failed to render snapshot projection, storing state only",
				"doc_id", replica.DocID(),
				"error", renderErr)
		} else {
			record.Rendered = rendered
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = p.retryBudget
	var stored bool
	err = backoff.Retry(func() error {
		var appendErr error
		stored, appendErr = p.snapshots.Append(ctx, record)
		return appendErr
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		// The in-memory replica stays authoritative. Re-mark it dirty
		// so the next mutation or eviction retries the write.
		replica.markDirty()
		p.logger.Error("failed to persist snapshot, will retry on next trigger",
			"doc_id", replica.DocID(),
			"state_bytes", len(export.State),
			"error", err)
		return
	}

	p.logger.Info("persisted snapshot",
		"doc_id", replica.DocID(),
		"state_bytes", len(export.State),
		"rendered", record.Rendered != "",
		"stored", stored)

	p.mu.Lock()
	if entry, ok := p.pending[replica.DocID()]; ok && entry.replica == replica {
		entry.baseline = replica.UpdateCount()
	}
	p.mu.Unlock()
}

// Forget drops any pending flush bookkeeping for a replica without
// writing. Used after the store has already flushed and evicted it.
func (p *Persister) Forget(replica *Replica) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.pending[replica.DocID()]
	if !ok || entry.replica != replica {
		return
	}
	if entry.debounce != nil {
		entry.debounce.Stop()
	}
	entry.deadline.Stop()
	delete(p.pending, replica.DocID())
}
