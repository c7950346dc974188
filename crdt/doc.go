// Copyright 2026 The Nosdesk Authors
// SPDX-License-Identifier: Apache-2.0

// Package crdt implements the conflict-free replicated document that
// backs every collaboratively edited note: a causal-tree text sequence
// plus a last-writer-wins metadata map, with compact state vectors for
// minimal-diff synchronization.
//
// Every edit is an operation stamped with an (actor, clock) ID. Clocks
// are contiguous per actor, so a state vector — the highest contiguous
// clock seen per actor — fully describes which operations a replica
// holds. Concurrent inserts anchored at the same position are ordered
// by descending ID, which makes the materialized sequence independent
// of delivery order. Operations whose causal dependencies have not
// arrived yet are buffered and integrated once their dependencies do.
//
// The package is organized as:
//
//   - id.go: operation IDs and state vectors
//   - op.go: the closed operation set and the binary update encoding
//   - document.go: the Doc itself — integration, local edits, diffing
//
// Doc is not safe for concurrent use. The replica store serializes all
// mutation per document; see the collab package.
package crdt
