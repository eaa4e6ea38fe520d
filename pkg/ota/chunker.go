// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ota

import (
	"fmt"
	"math"
)

// MaxChunkPayload is the largest chunk payload a CHUNK message can carry
const MaxChunkPayload = 1024

// DefaultMaxMTU is the largest chunk payload accepted when no limit is configured
const DefaultMaxMTU = MaxChunkPayload

// Image is an immutable firmware image
type Image struct {
	data []byte
}

// NewImage copies data into a new Image
func NewImage(data []byte) (*Image, error) {
	if len(data) == 0 {
		return nil, &Error{Kind: KindEmptyImage}
	}
	if uint64(len(data)) > math.MaxUint32 {
		return nil, fmt.Errorf("image of %d bytes exceeds the 4 GiB protocol limit", len(data))
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return &Image{data: buf}, nil
}

// Len returns the image length in bytes
func (img *Image) Len() int {
	if img == nil {
		return 0
	}
	return len(img.data)
}

// Bytes returns the image contents. The slice must not be modified.
func (img *Image) Bytes() []byte {
	if img == nil {
		return nil
	}
	return img.data
}

// Digest returns the whole-image digest under policy
func (img *Image) Digest(policy DigestPolicy) Digest {
	return policy.Image(img.Bytes())
}

// Chunk is one MTU-sized slice of an image
type Chunk struct {
	Index   uint32
	Payload []byte
	Last    bool
	CRC     uint32
}

// ChunkCount returns ceil(length/mtu)
func ChunkCount(length int, mtu uint32) uint32 {
	if length <= 0 || mtu == 0 {
		return 0
	}
	return uint32((uint64(length) + uint64(mtu) - 1) / uint64(mtu))
}

// Plan splits img into chunks of at most mtu bytes.
//
// Payloads share the image's backing array, so concatenating them in index
// order reproduces the image exactly. Plan is deterministic.
func Plan(img *Image, mtu, maxMTU uint32) ([]Chunk, error) {
	return DefaultDigestPolicy().Plan(img, mtu, maxMTU)
}

// Plan splits img using this policy's chunk checksum
func (p DigestPolicy) Plan(img *Image, mtu, maxMTU uint32) ([]Chunk, error) {
	maxMTU = min(maxMTU, MaxChunkPayload)
	if mtu == 0 || mtu > maxMTU {
		return nil, &Error{
			Kind:   KindInvalidMTU,
			detail: fmt.Sprintf("mtu %d outside 1..%d", mtu, maxMTU),
		}
	}
	if img.Len() == 0 {
		return nil, &Error{Kind: KindEmptyImage}
	}

	data := img.Bytes()
	count := ChunkCount(len(data), mtu)
	chunks := make([]Chunk, count)

	for i := uint32(0); i < count; i++ {
		start := uint64(i) * uint64(mtu)
		end := start + uint64(mtu)
		if end > uint64(len(data)) {
			end = uint64(len(data))
		}
		payload := data[start:end:end]
		chunks[i] = Chunk{
			Index:   i,
			Payload: payload,
			Last:    i == count-1,
			CRC:     p.Chunk(payload),
		}
	}

	return chunks, nil
}
