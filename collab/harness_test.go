// Copyright 2026 The Nosdesk Authors
// SPDX-License-Identifier: Apache-2.0

package collab

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/kylephillipsau/nosdesk-collab/snapshot"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memSnapshots is an in-memory snapshot.Store with injectable
// failures, standing in for the SQLite backend in unit tests.
type memSnapshots struct {
	mu         sync.Mutex
	records    map[string][]snapshot.Record
	appendErr  error
	loadErr    error
	loadResult []byte
}

func newMemSnapshots() *memSnapshots {
	return &memSnapshots{records: make(map[string][]snapshot.Record)}
}

func (m *memSnapshots) LoadLatest(ctx context.Context, docID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	if m.loadResult != nil {
		return m.loadResult, nil
	}
	versions := m.records[docID]
	if len(versions) == 0 {
		return nil, snapshot.ErrNoSnapshot
	}
	return versions[len(versions)-1].State, nil
}

func (m *memSnapshots) Append(ctx context.Context, record snapshot.Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return false, m.appendErr
	}
	versions := m.records[record.DocID]
	if len(versions) > 0 && bytes.Equal(versions[len(versions)-1].State, record.State) {
		return false, nil
	}
	m.records[record.DocID] = append(versions, record)
	return true, nil
}

func (m *memSnapshots) LatestRendered(ctx context.Context, docID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.records[docID]
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].Rendered != "" {
			return versions[i].Rendered, nil
		}
	}
	return "", snapshot.ErrNoSnapshot
}

func (m *memSnapshots) History(ctx context.Context, docID string, limit int) ([]snapshot.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.records[docID]
	out := make([]snapshot.Version, 0, len(versions))
	for i := len(versions) - 1; i >= 0; i-- {
		out = append(out, snapshot.Version{
			Sequence:    int64(i + 1),
			CreatedAt:   versions[i].CreatedAt,
			StateSize:   len(versions[i].State),
			HasRendered: versions[i].Rendered != "",
		})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memSnapshots) Close() error { return nil }

func (m *memSnapshots) versionCount(docID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records[docID])
}

func (m *memSnapshots) latestState(docID string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.records[docID]
	if len(versions) == 0 {
		return nil
	}
	return versions[len(versions)-1].State
}

func (m *memSnapshots) latestRecord(docID string) (snapshot.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.records[docID]
	if len(versions) == 0 {
		return snapshot.Record{}, false
	}
	return versions[len(versions)-1], true
}

func (m *memSnapshots) setAppendErr(err error) {
	m.mu.Lock()
	m.appendErr = err
	m.mu.Unlock()
}

// memConn is one end of an in-memory message pipe implementing Conn.
type memConn struct {
	peer    *memConn
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	stallMu sync.Mutex
	stalled bool
}

// stall wedges future writes on this end until the connection closes,
// simulating a consumer that stopped draining mid-stream.
func (c *memConn) stall() {
	c.stallMu.Lock()
	c.stalled = true
	c.stallMu.Unlock()
}

// newConnPair returns two connected ends: messages written to one are
// read from the other.
func newConnPair() (*memConn, *memConn) {
	a := &memConn{inbound: make(chan []byte, 256), closed: make(chan struct{})}
	b := &memConn{inbound: make(chan []byte, 256), closed: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

func (c *memConn) ReadMessage() ([]byte, error) {
	select {
	case message := <-c.inbound:
		return message, nil
	default:
	}
	select {
	case message := <-c.inbound:
		return message, nil
	case <-c.closed:
		return nil, net.ErrClosed
	case <-c.peer.closed:
		return nil, io.EOF
	}
}

func (c *memConn) WriteMessage(data []byte) error {
	c.stallMu.Lock()
	stalled := c.stalled
	c.stallMu.Unlock()
	if stalled {
		<-c.closed
		return net.ErrClosed
	}
	select {
	case <-c.closed:
		return net.ErrClosed
	case <-c.peer.closed:
		return io.EOF
	case c.peer.inbound <- data:
		return nil
	}
}

func (c *memConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

const recvTimeout = 2 * time.Second

// recvFrame reads and decodes the next frame from a test client end.
func recvFrame(t *testing.T, conn *memConn) Frame {
	t.Helper()
	deadline := time.After(recvTimeout)
	select {
	case message := <-conn.inbound:
		frame, err := DecodeFrame(message)
		if err != nil {
			t.Fatalf("decode received frame: %v", err)
		}
		return frame
	case <-conn.closed:
		t.Fatal("connection closed while waiting for frame")
	case <-conn.peer.closed:
		t.Fatal("peer closed while waiting for frame")
	case <-deadline:
		t.Fatal("timed out waiting for frame")
	}
	return Frame{}
}

// sendFrame encodes and writes a frame from a test client end.
func sendFrame(t *testing.T, conn *memConn, frame Frame) {
	t.Helper()
	encoded, err := EncodeFrame(frame)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	if err := conn.WriteMessage(encoded); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// waitClosed blocks until the peer tears the connection down.
func waitClosed(t *testing.T, conn *memConn) {
	t.Helper()
	select {
	case <-conn.peer.closed:
	case <-time.After(recvTimeout):
		t.Fatal("timed out waiting for peer close")
	}
}
