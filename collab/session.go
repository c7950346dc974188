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

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/kylephillipsau/nosdesk-collab/crdt"
	"github.com/kylephillipsau/nosdesk-collab/lib/clock"
)

// ErrCapacity is returned by Open when the engine refuses a new
// session, either because the session cap is reached or because opens
// are arriving faster than the admission rate allows.
var ErrCapacity = errors.New("collab: session capacity exhausted")

// Conn is the duplex connection a session runs over. Each call pair
// carries exactly one frame; the WebSocket server wraps
// gorilla/websocket behind this, tests use an in-memory pipe.
type Conn interface {
	// ReadMessage blocks until the next inbound message arrives.
	ReadMessage() ([]byte, error)

	// WriteMessage sends one outbound message.
	WriteMessage(data []byte) error

	// Close tears the connection down, unblocking a pending
	// ReadMessage.
	Close() error
}

// syncState tracks a session's position in the handshake.
type syncState int

const (
	// stateConnecting: session created, server vector not yet sent.
	stateConnecting syncState = iota

	// stateAwaitingClientVector: server vector sent, waiting for the
	// client to announce its own.
	stateAwaitingClientVector

	// stateExchanging: client vector received and diff sent; the
	// client holds operations the server lacks, so its diff is still
	// in flight.
	stateExchanging

	// stateSynced: both sides have applied each other's diffs; frames
	// are now live incremental traffic.
	stateSynced

	// stateClosed: session torn down.
	stateClosed
)

func (s syncState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAwaitingClientVector:
		return "awaiting-client-vector"
	case stateExchanging:
		return "exchanging"
	case stateSynced:
		return "synced"
	case stateClosed:
		return "closed"
	default:
		return fmt.Sprintf("syncState(%d)", int(s))
	}
}

// defaultOutboundQueue is the per-session outbound frame buffer. A
// consumer that falls this far behind is disconnected rather than ever
// blocking the sender or the document's mutation path.
const defaultOutboundQueue = 256

const defaultMaxSessions = 1024

// session is one live connection bound to one document replica.
type session struct {
	id      string
	docID   string
	conn    Conn
	replica *Replica

	mu    sync.Mutex
	state syncState

	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ManagerConfig configures the session manager.
type ManagerConfig struct {
	// Store supplies document replicas. Required.
	Store *Store

	// Persister observes mutations for debounced snapshots. Required.
	Persister *Persister

	// Clock drives awareness TTL expiry. Defaults to the real clock.
	Clock clock.Clock

	// Logger receives session lifecycle events. Required.
	Logger *slog.Logger

	// MaxSessions caps concurrently open sessions across all
	// documents. Defaults to defaultMaxSessions.
	MaxSessions int

	// OpenRate and OpenBurst bound the rate of session admission.
	// Zero OpenRate disables rate limiting.
	OpenRate  rate.Limit
	OpenBurst int

	// OutboundQueue is the per-session outbound buffer size.
	OutboundQueue int

	// AwarenessTTL and AwarenessSweepInterval tune presence expiry.
	AwarenessTTL           time.Duration
	AwarenessSweepInterval time.Duration
}

// Manager owns every live session: admission, handshake, the read
// loop, fan-out, and teardown. It maintains the authoritative mapping
// from document id to live sessions.
type Manager struct {
	store         *Store
	persister     *Persister
	awareness     *Awareness
	logger        *slog.Logger
	maxSessions   int
	outboundQueue int
	limiter       *rate.Limiter

	mu         sync.Mutex
	sessions   map[string]*session
	byDocument map[string]map[string]*session
}

// NewManager creates a session manager and its presence broadcaster.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("manager config: Store is required")
	}
	if cfg.Persister == nil {
		return nil, fmt.Errorf("manager config: Persister is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("manager config: Logger is required")
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaultMaxSessions
	}
	if cfg.OutboundQueue <= 0 {
		cfg.OutboundQueue = defaultOutboundQueue
	}
	manager := &Manager{
		store:         cfg.Store,
		persister:     cfg.Persister,
		logger:        cfg.Logger,
		maxSessions:   cfg.MaxSessions,
		outboundQueue: cfg.OutboundQueue,
		sessions:      make(map[string]*session),
		byDocument:    make(map[string]map[string]*session),
	}
	if cfg.OpenRate > 0 {
		burst := cfg.OpenBurst
		if burst <= 0 {
			burst = 1
		}
		manager.limiter = rate.NewLimiter(cfg.OpenRate, burst)
	}
	awareness, err := NewAwareness(AwarenessConfig{
		Clock:         cfg.Clock,
		Logger:        cfg.Logger,
		TTL:           cfg.AwarenessTTL,
		SweepInterval: cfg.AwarenessSweepInterval,
		Broadcast:     manager.broadcast,
	})
	if err != nil {
		return nil, err
	}
	manager.awareness = awareness
	return manager, nil
}

// Open admits a new session on docID over conn, drives the handshake
// from the server side, and starts the session's read and write loops.
// Returns the session id, or ErrCapacity when the engine is full.
func (m *Manager) Open(ctx context.Context, docID string, conn Conn) (string, error) {
	if m.limiter != nil && !m.limiter.Allow() {
		return "", fmt.Errorf("open session for document %q: %w", docID, ErrCapacity)
	}

	m.mu.Lock()
	if len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		return "", fmt.Errorf("open session for document %q: %w", docID, ErrCapacity)
	}
	m.mu.Unlock()

	replica, err := m.store.Acquire(ctx, docID)
	if err != nil {
		return "", fmt.Errorf("open session for document %q: %w", docID, err)
	}

	sess := &session{
		id:       ulid.Make().String(),
		docID:    docID,
		conn:     conn,
		replica:  replica,
		state:    stateConnecting,
		outbound: make(chan []byte, m.outboundQueue),
		done:     make(chan struct{}),
	}

	m.mu.Lock()
	if len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		m.store.Release(replica)
		return "", fmt.Errorf("open session for document %q: %w", docID, ErrCapacity)
	}
	m.sessions[sess.id] = sess
	peers, ok := m.byDocument[docID]
	if !ok {
		peers = make(map[string]*session)
		m.byDocument[docID] = peers
	}
	peers[sess.id] = sess
	m.mu.Unlock()

	sess.wg.Add(2)
	go m.writeLoop(sess)
	go m.readLoop(sess)

	// The server speaks first: announce our state vector so the client
	// can answer with its own.
	vector, err := replica.EncodeVector()
	if err != nil {
		m.teardown(sess, "encode state vector", err)
		return "", fmt.Errorf("open session for document %q: %w", docID, err)
	}
	sess.setState(stateAwaitingClientVector)
	if !m.enqueue(sess, NewVectorFrame(vector)) {
		return "", fmt.Errorf("open session for document %q: connection closed during handshake", docID)
	}

	m.logger.Info("session opened",
		"session_id", sess.id,
		"doc_id", docID)
	return sess.id, nil
}

// Close tears down a session by id: the connection is closed, the
// replica reference released, and an awareness removal broadcast to
// the session's peers. Unknown ids are a no-op.
func (m *Manager) Close(sessionID string) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.teardown(sess, "closed by caller", nil)
}

// SessionCount returns the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown closes every live session and stops the presence
// broadcaster. The replica store is flushed separately via its own
// Close.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	open := make([]*session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		open = append(open, sess)
	}
	m.mu.Unlock()
	for _, sess := range open {
		m.teardown(sess, "server shutdown", nil)
	}
	m.awareness.Close()
}

func (s *session) setState(next syncState) {
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
}

func (s *session) currentState() syncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// enqueue places a frame on the session's outbound queue without ever
// blocking. A full queue means the consumer is too slow to keep up and
// the session is disconnected.
func (m *Manager) enqueue(sess *session, frame Frame) bool {
	encoded, err := EncodeFrame(frame)
	if err != nil {
		m.logger.Error("failed to encode outbound frame",
			"session_id", sess.id,
			"error", err)
		return false
	}
	select {
	case <-sess.done:
		return false
	default:
	}
	select {
	case sess.outbound <- encoded:
		return true
	default:
		go m.teardown(sess, "outbound queue overflow, slow consumer", nil)
		return false
	}
}

func (m *Manager) writeLoop(sess *session) {
	defer sess.wg.Done()
	for {
		select {
		case <-sess.done:
			return
		case encoded := <-sess.outbound:
			if err := sess.conn.WriteMessage(encoded); err != nil {
				go m.teardown(sess, "write failed", err)
				return
			}
		}
	}
}

func (m *Manager) readLoop(sess *session) {
	defer sess.wg.Done()
	for {
		message, err := sess.conn.ReadMessage()
		if err != nil {
			select {
			case <-sess.done:
			default:
				go m.teardown(sess, "connection closed", err)
			}
			return
		}
		frame, err := DecodeFrame(message)
		if err != nil {
			go m.teardown(sess, "protocol error: malformed frame", err)
			return
		}
		if err := m.handleFrame(sess, frame); err != nil {
			go m.teardown(sess, "protocol error", err)
			return
		}
	}
}

// handleFrame dispatches one inbound frame. A returned error is a
// protocol violation that terminates only this session; the shared
// replica is never left in a partial state because every mutation goes
// through the replica's own serialized ApplyUpdate.
func (m *Manager) handleFrame(sess *session, frame Frame) error {
	switch frame.Kind {
	case FrameSync:
		return m.handleSync(sess, frame.Payload)
	case FrameUpdate:
		switch sess.currentState() {
		case stateExchanging, stateSynced:
		default:
			return fmt.Errorf("update frame in state %s", sess.currentState())
		}
		return m.applyAndFanOut(sess, frame.Payload)
	case FrameAwareness:
		payload, err := ParseAwarenessPayload(frame.Payload)
		if err != nil {
			return err
		}
		// Presence is always tagged with the server-issued session id
		// so recipients reconcile by replace.
		payload.SessionID = sess.id
		return m.awareness.Publish(sess.docID, payload)
	default:
		return fmt.Errorf("unhandled frame kind 0x%02x", frame.Kind)
	}
}

func (m *Manager) handleSync(sess *session, payload []byte) error {
	step, body, err := ParseSyncPayload(payload)
	if err != nil {
		return err
	}
	switch step {
	case SyncStepVector:
		if sess.currentState() != stateAwaitingClientVector {
			return fmt.Errorf("state vector in state %s", sess.currentState())
		}
		diff, err := sess.replica.DiffSince(body)
		if err != nil {
			return err
		}
		m.enqueue(sess, NewDiffFrame(diff))

		// If the client holds operations we have not seen, its diff is
		// still coming; otherwise the handshake is complete.
		ahead, err := crdtVectorAhead(sess.replica, body)
		if err != nil {
			return err
		}
		if ahead {
			sess.setState(stateExchanging)
		} else {
			m.markSynced(sess)
		}
		return nil
	case SyncStepDiff:
		switch sess.currentState() {
		case stateExchanging, stateSynced:
		default:
			return fmt.Errorf("diff in state %s", sess.currentState())
		}
		if err := m.applyAndFanOut(sess, body); err != nil {
			return err
		}
		if sess.currentState() == stateExchanging {
			m.markSynced(sess)
		}
		return nil
	default:
		return fmt.Errorf("unhandled sync step 0x%02x", step)
	}
}

// markSynced completes the handshake and replays current presence so
// the new session sees everyone's cursors immediately.
func (m *Manager) markSynced(sess *session) {
	sess.setState(stateSynced)
	for _, payload := range m.awareness.States(sess.docID) {
		if payload.SessionID == sess.id {
			continue
		}
		frame, err := NewAwarenessFrame(payload)
		if err != nil {
			m.logger.Error("failed to encode awareness replay",
				"session_id", sess.id,
				"error", err)
			continue
		}
		m.enqueue(sess, frame)
	}
}

// applyAndFanOut merges an update into the shared replica and
// broadcasts it to the session's peers. Fan-out preserves per-sender
// order: the single read loop serializes this path, and each recipient
// queue is FIFO.
func (m *Manager) applyAndFanOut(sess *session, update []byte) error {
	if len(update) == 0 {
		return nil
	}
	if err := sess.replica.ApplyUpdate(update, m.persister.clock.Now()); err != nil {
		return err
	}
	m.persister.Note(sess.replica)
	m.broadcast(sess.docID, sess.id, NewUpdateFrame(update))
	return nil
}

// broadcast fans a frame out to every session on docID except the
// originator. Sessions still mid-handshake receive live traffic too:
// their handshake diff is computed after registration, so a peer
// update lands in the diff, the fan-out, or both, and the replica
// apply path deduplicates the overlap. Skipping them would drop any
// update that arrives while a session is waiting on its client's diff.
func (m *Manager) broadcast(docID, exceptSessionID string, frame Frame) {
	m.mu.Lock()
	recipients := make([]*session, 0, len(m.byDocument[docID]))
	for _, peer := range m.byDocument[docID] {
		if peer.id == exceptSessionID {
			continue
		}
		recipients = append(recipients, peer)
	}
	m.mu.Unlock()

	for _, peer := range recipients {
		if peer.currentState() == stateClosed {
			continue
		}
		m.enqueue(peer, frame)
	}
}

// teardown closes a session exactly once, in any failure path:
// protocol error, slow consumer, write failure, explicit Close, or
// shutdown.
func (m *Manager) teardown(sess *session, reason string, cause error) {
	sess.closeOnce.Do(func() {
		sess.setState(stateClosed)
		close(sess.done)
		sess.conn.Close()

		m.mu.Lock()
		delete(m.sessions, sess.id)
		if peers, ok := m.byDocument[sess.docID]; ok {
			delete(peers, sess.id)
			if len(peers) == 0 {
				delete(m.byDocument, sess.docID)
			}
		}
		m.mu.Unlock()

		m.awareness.Remove(sess.docID, sess.id)
		m.store.Release(sess.replica)

		if cause != nil {
			m.logger.Warn("session closed",
				"session_id", sess.id,
				"doc_id", sess.docID,
				"reason", reason,
				"error", cause)
		} else {
			m.logger.Info("session closed",
				"session_id", sess.id,
				"doc_id", sess.docID,
				"reason", reason)
		}
	})
	sess.wg.Wait()
}

// crdtVectorAhead reports whether the encoded peer vector covers
// operations the replica has not seen.
func crdtVectorAhead(replica *Replica, encodedVector []byte) (bool, error) {
	remote, err := crdt.DecodeStateVector(encodedVector)
	if err != nil {
		return false, err
	}
	local := replica.Vector()
	for actor, clock := range remote {
		if clock > local[actor] {
			return true, nil
		}
	}
	return false, nil
}
