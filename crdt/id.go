// Copyright 2026 The Nosdesk Authors
// SPDX-License-Identifier: Apache-2.0

package crdt

import (
	"fmt"

	"github.com/kylephillipsau/nosdesk-collab/lib/codec"
)

// ActorID identifies one editing replica. Clients pick a random
// nonzero value per document session; zero is reserved so that the
// zero ID can mean "no origin" (an insert at the head of the
// document).
type ActorID uint64

// ID stamps a single operation: the actor that produced it and the
// actor's operation counter at the time. Clocks start at 1 and are
// contiguous per actor.
type ID struct {
	Actor ActorID `cbor:"a"`
	Clock uint64  `cbor:"c"`
}

// IsZero reports whether the ID is the reserved zero value.
func (id ID) IsZero() bool { return id.Clock == 0 }

func (id ID) String() string {
	return fmt.Sprintf("%d@%d", id.Clock, id.Actor)
}

// less orders IDs by (clock, actor). Concurrent siblings anchored at
// the same origin appear in the document in descending ID order, so
// this comparison is the whole tiebreak rule for convergence.
func (id ID) less(other ID) bool {
	if id.Clock != other.Clock {
		return id.Clock < other.Clock
	}
	return id.Actor < other.Actor
}

// StateVector summarizes which operations a replica has applied: for
// each actor, the highest contiguous clock. Operations above the
// recorded clock are exactly the ones the replica is missing.
type StateVector map[ActorID]uint64

// Covers reports whether an operation with the given ID is already
// accounted for by the vector.
func (sv StateVector) Covers(id ID) bool {
	return id.Clock <= sv[id.Actor]
}

// Clone returns an independent copy.
func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for actor, clock := range sv {
		out[actor] = clock
	}
	return out
}

// Encode serializes the vector to deterministic CBOR.
func (sv StateVector) Encode() ([]byte, error) {
	data, err := codec.Marshal(sv)
	if err != nil {
		return nil, fmt.Errorf("crdt: encode state vector: %w", err)
	}
	return data, nil
}

// DecodeStateVector parses a vector produced by Encode. A nil or
// empty input decodes as the empty vector (a replica that has seen
// nothing).
func DecodeStateVector(data []byte) (StateVector, error) {
	if len(data) == 0 {
		return StateVector{}, nil
	}
	var sv StateVector
	if err := codec.Unmarshal(data, &sv); err != nil {
		return nil, fmt.Errorf("crdt: decode state vector: %w", err)
	}
	if sv == nil {
		sv = StateVector{}
	}
	return sv, nil
}
