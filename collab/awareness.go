// Copyright 2026 The Nosdesk Authors
// SPDX-License-Identifier: Apache-2.0

package collab

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kylephillipsau/nosdesk-collab/lib/clock"
)

const (
	// defaultAwarenessTTL is how long a presence entry survives
	// without a refresh. Clients republish on cursor movement and on a
	// keepalive interval well under this.
	defaultAwarenessTTL = 30 * time.Second

	// defaultSweepInterval is how often expired entries are collected.
	defaultSweepInterval = 10 * time.Second
)

// AwarenessConfig configures the presence broadcaster.
type AwarenessConfig struct {
	// Clock drives TTL expiry. Defaults to the real clock.
	Clock clock.Clock

	// Logger receives expiry events. Required.
	Logger *slog.Logger

	// TTL is how long an entry lives without a refresh.
	TTL time.Duration

	// SweepInterval is the expiry scan period.
	SweepInterval time.Duration

	// Broadcast fans a frame out to every session on docID except
	// exceptSessionID. Wired to the session manager. Required.
	Broadcast func(docID, exceptSessionID string, frame Frame)
}

// Awareness tracks ephemeral per-session presence (cursor, identity,
// color) and fans updates out to sibling sessions. Nothing here is
// ever persisted or applied to a replica; a restart losing all
// presence is correct.
type Awareness struct {
	clock     clock.Clock
	logger    *slog.Logger
	ttl       time.Duration
	broadcast func(docID, exceptSessionID string, frame Frame)

	mu      sync.Mutex
	entries map[string]map[string]awarenessEntry

	ticker *clock.Ticker
	done   chan struct{}
	wg     sync.WaitGroup
}

type awarenessEntry struct {
	state     []byte
	expiresAt time.Time
}

// NewAwareness creates the broadcaster and starts its expiry sweeper.
func NewAwareness(cfg AwarenessConfig) (*Awareness, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("awareness config: Logger is required")
	}
	if cfg.Broadcast == nil {
		return nil, fmt.Errorf("awareness config: Broadcast is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultAwarenessTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	awareness := &Awareness{
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		ttl:       cfg.TTL,
		broadcast: cfg.Broadcast,
		entries:   make(map[string]map[string]awarenessEntry),
		ticker:    cfg.Clock.NewTicker(cfg.SweepInterval),
		done:      make(chan struct{}),
	}
	awareness.wg.Add(1)
	go awareness.sweepLoop()
	return awareness, nil
}

// Publish stores or overwrites a session's presence state and
// rebroadcasts it to every other session on the document.
func (a *Awareness) Publish(docID string, payload AwarenessPayload) error {
	frame, err := NewAwarenessFrame(payload)
	if err != nil {
		return err
	}

	a.mu.Lock()
	sessions, ok := a.entries[docID]
	if !ok {
		sessions = make(map[string]awarenessEntry)
		a.entries[docID] = sessions
	}
	sessions[payload.SessionID] = awarenessEntry{
		state:     payload.State,
		expiresAt: a.clock.Now().Add(a.ttl),
	}
	a.mu.Unlock()

	a.broadcast(docID, payload.SessionID, frame)
	return nil
}

// Remove clears a session's presence on disconnect and broadcasts a
// removal notice so peers drop its cursor immediately.
func (a *Awareness) Remove(docID, sessionID string) {
	a.mu.Lock()
	sessions, ok := a.entries[docID]
	if ok {
		if _, present := sessions[sessionID]; !present {
			ok = false
		}
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(a.entries, docID)
		}
	}
	a.mu.Unlock()
	if !ok {
		return
	}
	a.broadcastRemoval(docID, sessionID)
}

// States returns the current presence payloads for a document, used to
// bring a freshly synced session up to date.
func (a *Awareness) States(docID string) []AwarenessPayload {
	a.mu.Lock()
	defer a.mu.Unlock()
	sessions := a.entries[docID]
	payloads := make([]AwarenessPayload, 0, len(sessions))
	for sessionID, entry := range sessions {
		payloads = append(payloads, AwarenessPayload{
			SessionID: sessionID,
			State:     entry.state,
		})
	}
	return payloads
}

// Close stops the expiry sweeper.
func (a *Awareness) Close() {
	close(a.done)
	a.ticker.Stop()
	a.wg.Wait()
}

func (a *Awareness) sweepLoop() {
	defer a.wg.Done()
	for {
		select {
		case <-a.done:
			return
		case <-a.ticker.C:
			a.expireStale()
		}
	}
}

// expireStale removes entries past their TTL and broadcasts removal
// notices so peers clear stale presence indicators.
func (a *Awareness) expireStale() {
	now := a.clock.Now()

	type expired struct {
		docID     string
		sessionID string
	}
	var stale []expired

	a.mu.Lock()
	for docID, sessions := range a.entries {
		for sessionID, entry := range sessions {
			if entry.expiresAt.After(now) {
				continue
			}
			delete(sessions, sessionID)
			stale = append(stale, expired{docID: docID, sessionID: sessionID})
		}
		if len(sessions) == 0 {
			delete(a.entries, docID)
		}
	}
	a.mu.Unlock()

	for _, entry := range stale {
		a.logger.Debug("expired stale awareness entry",
			"doc_id", entry.docID,
			"session_id", entry.sessionID)
		a.broadcastRemoval(entry.docID, entry.sessionID)
	}
}

// broadcastRemoval sends an awareness frame with an empty state, the
// wire form of "this session is gone".
func (a *Awareness) broadcastRemoval(docID, sessionID string) {
	frame, err := NewAwarenessFrame(AwarenessPayload{SessionID: sessionID})
	if err != nil {
		a.logger.Error("failed to encode awareness removal", "error", err)
		return
	}
	a.broadcast(docID, sessionID, frame)
}
