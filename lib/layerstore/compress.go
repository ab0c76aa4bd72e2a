// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package layerstore

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionTag identifies the algorithm used to compress a layer's
// packed content during transfer (pull). Grounded on
// lib/artifactstore/compress.go's tag + auto-selection design, trimmed
// to the two general-purpose codecs a layer transfer actually needs.
type CompressionTag uint8

const (
	// CompressionNone is used for content that does not compress well
	// (already-compressed archives, media).
	CompressionNone CompressionTag = 0

	// CompressionLZ4 is the fast default: good ratio on binary
	// content at very low CPU cost, used when content type is
	// unknown or mixed.
	CompressionLZ4 CompressionTag = 1

	// CompressionZstd gives better ratios for text-like content
	// (manifests, desktop entries, debug symbol indexes) at higher
	// CPU cost.
	CompressionZstd CompressionTag = 2
)

func (tag CompressionTag) String() string {
	switch tag {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", tag)
	}
}

// textLikeContentTypes are probed content types that compress well
// with zstd; everything else defaults to the faster lz4 path.
var textLikeContentTypes = map[string]bool{
	"text/plain":       true,
	"application/json": true,
	"application/yaml": true,
	"application/xml":  true,
}

// SelectCompression auto-selects a codec for content of the given
// content type (may be empty, in which case probe decides). Mirrors
// lib/artifactstore/compress.go's policy: known text-like types get
// zstd, everything else gets lz4, and probing an already-compressed
// chunk that doesn't shrink falls back to none at compress time (see
// CompressChunk).
func SelectCompression(probe []byte, contentType string) CompressionTag {
	if textLikeContentTypes[contentType] {
		return CompressionZstd
	}
	if len(probe) == 0 {
		return CompressionLZ4
	}
	return CompressionLZ4
}

// CompressChunk compresses data using tag. If the compressed output is
// not smaller than the input, it falls back to CompressionNone so
// decompression never costs more than a copy.
func CompressChunk(data []byte, tag CompressionTag) ([]byte, CompressionTag, error) {
	var compressed []byte
	var err error

	switch tag {
	case CompressionNone:
		return data, CompressionNone, nil
	case CompressionLZ4:
		compressed, err = compressLZ4(data)
	case CompressionZstd:
		compressed, err = compressZstd(data)
	default:
		return nil, 0, fmt.Errorf("layerstore: unsupported compression tag %d", tag)
	}
	if err != nil {
		return nil, 0, err
	}
	if len(compressed) >= len(data) {
		return data, CompressionNone, nil
	}
	return compressed, tag, nil
}

// DecompressChunk reverses CompressChunk, given the original
// uncompressed size.
func DecompressChunk(compressed []byte, tag CompressionTag, uncompressedSize int) ([]byte, error) {
	switch tag {
	case CompressionNone:
		if len(compressed) != uncompressedSize {
			return nil, fmt.Errorf("layerstore: uncompressed chunk size %d does not match expected %d", len(compressed), uncompressedSize)
		}
		return compressed, nil
	case CompressionLZ4:
		return decompressLZ4(compressed, uncompressedSize)
	case CompressionZstd:
		return decompressZstd(compressed, uncompressedSize)
	default:
		return nil, fmt.Errorf("layerstore: unsupported compression tag %d", tag)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := lz4.NewWriter(&buf)
	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("layerstore: lz4 compress: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("layerstore: lz4 compress close: %w", err)
	}
	return buf.Bytes(), nil
}

func decompressLZ4(data []byte, uncompressedSize int) ([]byte, error) {
	reader := lz4.NewReader(bytes.NewReader(data))
	out := make([]byte, uncompressedSize)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("layerstore: lz4 decompress: %w", err)
	}
	return out, nil
}

func compressZstd(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("layerstore: zstd encoder: %w", err)
	}
	defer encoder.Close()
	return encoder.EncodeAll(data, nil), nil
}

func decompressZstd(data []byte, uncompressedSize int) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("layerstore: zstd decoder: %w", err)
	}
	defer decoder.Close()
	out, err := decoder.DecodeAll(data, make([]byte, 0, uncompressedSize))
	if err != nil {
		return nil, fmt.Errorf("layerstore: zstd decompress: %w", err)
	}
	return out, nil
}
