// Copyright 2026 The Nosdesk Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the engine's standard CBOR encoding
// configuration.
//
// Every serialized artifact of the sync engine — CRDT updates, state
// vectors, awareness payloads — goes through this package so that the
// same logical value always produces identical bytes. The encoder uses
// Core Deterministic Encoding (RFC 8949 §4.2): sorted map keys,
// smallest integer encoding, no indefinite-length items. Determinism
// is load-bearing here: snapshot deduplication compares content hashes
// of encoded state, and the convergence property is verified by
// comparing encoded bytes across replicas.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// When decoding into an any-typed target, produce
		// map[string]any rather than the CBOR default
		// map[interface{}]interface{}, which nothing downstream can
		// consume. Struct field decoding is unaffected.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v. Unknown fields are ignored for
// forward compatibility.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
