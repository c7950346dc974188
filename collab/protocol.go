// Copyright 2026 The Nosdesk Authors
// SPDX-License-Identifier: Apache-2.0

// Package collab implements the real-time collaborative editing engine:
// shared document replicas, the state-vector synchronization protocol
// between clients and the server, ephemeral presence broadcasting, and
// the persistence controller that keeps durable snapshots close to the
// in-memory state.
//
// The package is organized around the connection data flow:
//
//   - protocol.go: wire format for the sync channel (tagged binary frames)
//   - store.go: reference-counted document replica registry
//   - persist.go: debounced snapshot writer with retry
//   - awareness.go: ephemeral presence fan-out with TTL expiry
//   - session.go: connection lifecycle, handshake, read loop
//   - server.go: WebSocket endpoint plus read-only HTTP surface
//   - adapter.go: CRDT-to-editor translation (markdown by default)
package collab

import (
	"fmt"

	"github.com/kylephillipsau/nosdesk-collab/lib/codec"
)

// Frame kind constants for the synchronization channel wire format.
// Each WebSocket binary message carries exactly one frame: a 1-byte
// kind tag followed by the payload.
const (
	// FrameSync carries handshake traffic. The payload begins with a
	// sync step sub-tag distinguishing a state vector from a diff
	// update. Bidirectional: the server sends its vector first, the
	// client answers with its own vector and a diff if it is ahead.
	FrameSync byte = 0x01

	// FrameUpdate carries a live incremental document update after the
	// handshake has completed. The payload is an encoded CRDT update,
	// applied to the shared replica and fanned out to sibling sessions.
	FrameUpdate byte = 0x02

	// FrameAwareness carries ephemeral presence state. The payload is
	// a CBOR-encoded AwarenessPayload. Never touches the replica and
	// never appears in a snapshot.
	FrameAwareness byte = 0x03
)

// Sync step sub-tags, the first payload byte of a FrameSync frame.
const (
	// SyncStepVector announces the sender's state vector so the peer
	// can compute what the sender is missing.
	SyncStepVector byte = 0x00

	// SyncStepDiff carries the update set answering a previously
	// received vector.
	SyncStepDiff byte = 0x01
)

// maxFramePayload bounds a single frame. Document updates are a few
// hundred bytes per keystroke burst and diffs are bounded by document
// size; 4 MB leaves ample headroom for large pasted documents.
const maxFramePayload = 4 * 1024 * 1024

// Frame is a single message on the synchronization channel.
type Frame struct {
	Kind    byte
	Payload []byte
}

// AwarenessPayload is the decoded body of a FrameAwareness frame. An
// empty State signals that the session's presence should be cleared.
type AwarenessPayload struct {
	SessionID string `cbor:"sid"`
	State     []byte `cbor:"state,omitempty"`
}

// EncodeFrame serializes a frame into a single wire message:
// [1 byte kind] [payload].
func EncodeFrame(frame Frame) ([]byte, error) {
	if len(frame.Payload) > maxFramePayload {
		return nil, fmt.Errorf("frame payload %d bytes exceeds maximum %d", len(frame.Payload), maxFramePayload)
	}
	message := make([]byte, 1+len(frame.Payload))
	message[0] = frame.Kind
	copy(message[1:], frame.Payload)
	return message, nil
}

// DecodeFrame parses a wire message into a frame. The kind tag is
// validated against the closed set of frame kinds; anything else is a
// protocol error that should terminate the offending session.
func DecodeFrame(message []byte) (Frame, error) {
	if len(message) == 0 {
		return Frame{}, fmt.Errorf("empty frame")
	}
	if len(message)-1 > maxFramePayload {
		return Frame{}, fmt.Errorf("frame payload %d bytes exceeds maximum %d", len(message)-1, maxFramePayload)
	}
	kind := message[0]
	switch kind {
	case FrameSync, FrameUpdate, FrameAwareness:
	default:
		return Frame{}, fmt.Errorf("unknown frame kind 0x%02x", kind)
	}
	return Frame{Kind: kind, Payload: message[1:]}, nil
}

// NewVectorFrame creates a sync frame announcing an encoded state
// vector.
func NewVectorFrame(vector []byte) Frame {
	return newSyncFrame(SyncStepVector, vector)
}

// NewDiffFrame creates a sync frame carrying an encoded diff update.
func NewDiffFrame(diff []byte) Frame {
	return newSyncFrame(SyncStepDiff, diff)
}

func newSyncFrame(step byte, body []byte) Frame {
	payload := make([]byte, 1+len(body))
	payload[0] = step
	copy(payload[1:], body)
	return Frame{Kind: FrameSync, Payload: payload}
}

// ParseSyncPayload splits a FrameSync payload into its step sub-tag
// and body.
func ParseSyncPayload(payload []byte) (step byte, body []byte, err error) {
	if len(payload) == 0 {
		return 0, nil, fmt.Errorf("empty sync payload")
	}
	step = payload[0]
	switch step {
	case SyncStepVector, SyncStepDiff:
	default:
		return 0, nil, fmt.Errorf("unknown sync step 0x%02x", step)
	}
	return step, payload[1:], nil
}

// NewUpdateFrame creates a live update frame.
func NewUpdateFrame(update []byte) Frame {
	return Frame{Kind: FrameUpdate, Payload: update}
}

// NewAwarenessFrame creates an awareness frame for the given session.
func NewAwarenessFrame(payload AwarenessPayload) (Frame, error) {
	encoded, err := codec.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode awareness payload: %w", err)
	}
	return Frame{Kind: FrameAwareness, Payload: encoded}, nil
}

// ParseAwarenessPayload decodes the body of a FrameAwareness frame.
func ParseAwarenessPayload(payload []byte) (AwarenessPayload, error) {
	var decoded AwarenessPayload
	if err := codec.Unmarshal(payload, &decoded); err != nil {
		return AwarenessPayload{}, fmt.Errorf("decode awareness payload: %w", err)
	}
	if decoded.SessionID == "" {
		return AwarenessPayload{}, fmt.Errorf("awareness payload missing session id")
	}
	return decoded, nil
}
