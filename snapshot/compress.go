// Copyright 2026 The Nosdesk Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies the algorithm used for a stored state blob.
// The tag is the first byte of every blob; changing these values
// breaks every existing snapshot.
type Compression uint8

const (
	// CompressionNone stores the state uncompressed. Also the
	// automatic fallback when compression does not shrink the data.
	CompressionNone Compression = 0

	// CompressionLZ4 is block-mode LZ4: cheap CPU, modest ratio.
	CompressionLZ4 Compression = 1

	// CompressionZstd is zstd at the default level. CRDT op logs are
	// highly repetitive CBOR, so this is the default writer choice.
	CompressionZstd Compression = 2
)

// String returns the tag's config-file name.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses a config-file compression name.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("snapshot: unknown compression %q", name)
	}
}

// blobHeaderLength is 1 tag byte + 4 bytes big-endian uncompressed
// size.
const blobHeaderLength = 5

// zstd encoder/decoder are shared; both are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("snapshot: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("snapshot: zstd decoder initialization failed: " + err.Error())
	}
}

// encodeBlob frames and compresses a state payload using the given
// algorithm, falling back to CompressionNone when the payload does
// not shrink.
func encodeBlob(state []byte, preferred Compression) ([]byte, error) {
	compressed, tag, err := compress(state, preferred)
	if err != nil {
		return nil, err
	}
	blob := make([]byte, blobHeaderLength+len(compressed))
	blob[0] = byte(tag)
	binary.BigEndian.PutUint32(blob[1:5], uint32(len(state)))
	copy(blob[blobHeaderLength:], compressed)
	return blob, nil
}

// decodeBlob reverses encodeBlob, whatever algorithm wrote the blob.
func decodeBlob(blob []byte) ([]byte, error) {
	if len(blob) < blobHeaderLength {
		return nil, fmt.Errorf("snapshot: blob of %d bytes is shorter than the header", len(blob))
	}
	tag := Compression(blob[0])
	size := int(binary.BigEndian.Uint32(blob[1:5]))
	payload := blob[blobHeaderLength:]

	switch tag {
	case CompressionNone:
		if len(payload) != size {
			return nil, fmt.Errorf("snapshot: uncompressed blob is %d bytes, header says %d", len(payload), size)
		}
		out := make([]byte, size)
		copy(out, payload)
		return out, nil

	case CompressionLZ4:
		out := make([]byte, size)
		read, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, fmt.Errorf("snapshot: lz4 decompress: %w", err)
		}
		if read != size {
			return nil, fmt.Errorf("snapshot: lz4 yielded %d bytes, header says %d", read, size)
		}
		return out, nil

	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(payload, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("snapshot: zstd decompress: %w", err)
		}
		if len(out) != size {
			return nil, fmt.Errorf("snapshot: zstd yielded %d bytes, header says %d", len(out), size)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("snapshot: unknown compression tag %d", blob[0])
	}
}

func compress(state []byte, preferred Compression) ([]byte, Compression, error) {
	switch preferred {
	case CompressionNone:
		return state, CompressionNone, nil

	case CompressionLZ4:
		bound := lz4.CompressBlockBound(len(state))
		out := make([]byte, bound)
		written, err := lz4.CompressBlock(state, out, nil)
		if err != nil {
			return nil, 0, fmt.Errorf("snapshot: lz4 compress: %w", err)
		}
		// CompressBlock reports 0 for incompressible input.
		if written == 0 || written >= len(state) {
			return state, CompressionNone, nil
		}
		return out[:written], CompressionLZ4, nil

	case CompressionZstd:
		out := zstdEncoder.EncodeAll(state, nil)
		if len(out) >= len(state) {
			return state, CompressionNone, nil
		}
		return out, CompressionZstd, nil

	default:
		return nil, 0, fmt.Errorf("snapshot: unsupported compression tag %d", uint8(preferred))
	}
}
