// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ota

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"strings"
)

// DigestAlgorithm identifies a whole-image digest on the wire
type DigestAlgorithm uint8

// Digest algorithms
const (
	DigestCRC32  DigestAlgorithm = 0x01
	DigestSHA256 DigestAlgorithm = 0x02
)

// String returns the config name of the algorithm
func (a DigestAlgorithm) String() string {
	switch a {
	case DigestCRC32:
		return "crc32"
	case DigestSHA256:
		return "sha256"
	default:
		return fmt.Sprintf("unknown(0x%02X)", uint8(a))
	}
}

// Size returns the digest length in bytes, or 0 for unknown algorithms
func (a DigestAlgorithm) Size() int {
	switch a {
	case DigestCRC32:
		return crc32.Size
	case DigestSHA256:
		return sha256.Size
	default:
		return 0
	}
}

// ParseDigestAlgorithm parses a config name ("crc32", "sha256")
func ParseDigestAlgorithm(name string) (DigestAlgorithm, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "crc32", "crc-32":
		return DigestCRC32, nil
	case "sha256", "sha-256", "":
		return DigestSHA256, nil
	default:
		return 0, fmt.Errorf("unknown digest algorithm %q (want crc32 or sha256)", name)
	}
}

// Digest is a whole-image digest
type Digest struct {
	Algorithm DigestAlgorithm
	Sum       []byte
}

// String returns "alg:hex"
func (d Digest) String() string {
	if len(d.Sum) == 0 {
		return "none"
	}
	return d.Algorithm.String() + ":" + hex.EncodeToString(d.Sum)
}

// IsZero reports whether the digest is unset
func (d Digest) IsZero() bool {
	return d.Algorithm == 0 && len(d.Sum) == 0
}

// Equal reports whether both digests use the same algorithm and sum
func (d Digest) Equal(other Digest) bool {
	return d.Algorithm == other.Algorithm && bytes.Equal(d.Sum, other.Sum)
}

// DigestPolicy selects the digests used for chunks and for the whole image.
// Chunks always use CRC-32 (IEEE).
type DigestPolicy struct {
	ImageAlgorithm DigestAlgorithm
}

// DefaultDigestPolicy uses SHA-256 for the whole image
func DefaultDigestPolicy() DigestPolicy {
	return DigestPolicy{ImageAlgorithm: DigestSHA256}
}

// Image computes the whole-image digest of data
func (p DigestPolicy) Image(data []byte) Digest {
	switch p.ImageAlgorithm {
	case DigestCRC32:
		sum := make([]byte, crc32.Size)
		binary.BigEndian.PutUint32(sum, crc32.ChecksumIEEE(data))
		return Digest{Algorithm: DigestCRC32, Sum: sum}
	default:
		sum := sha256.Sum256(data)
		return Digest{Algorithm: DigestSHA256, Sum: sum[:]}
	}
}

// Chunk computes the per-chunk checksum of payload
func (p DigestPolicy) Chunk(payload []byte) uint32 {
	return crc32.ChecksumIEEE(payload)
}
