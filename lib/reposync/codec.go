// Copyright 2026 The FleetForge Authors
// SPDX-License-Identifier: Apache-2.0

package reposync

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec identifies the compression applied to the push stream. The
// remote side decompresses with the matching command-line filter, so
// a codec is only usable when that tool is installed on the targets.
type Codec uint8

const (
	// CodecNone streams the tar bytes unmodified. For trees that are
	// mostly already-compressed content, compression adds CPU cost
	// without reducing size.
	CodecNone Codec = 0

	// CodecZstd compresses with zstd at the default level. Best
	// ratio for source trees (text, configs, scripts); the default.
	CodecZstd Codec = 1

	// CodecLZ4 compresses with LZ4. Lower ratio than zstd but very
	// cheap on both ends; useful when the source host is CPU-bound.
	CodecLZ4 Codec = 2
)

// String returns the codec's configuration name.
func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecZstd:
		return "zstd"
	case CodecLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCodec parses a codec from its configuration name.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "none":
		return CodecNone, nil
	case "zstd", "":
		return CodecZstd, nil
	case "lz4":
		return CodecLZ4, nil
	default:
		return 0, fmt.Errorf("unknown push codec: %q", name)
	}
}

// NewWriter wraps out with the codec's compressor. Closing the
// returned writer flushes the compressed stream but does not close
// out.
func (c Codec) NewWriter(out io.Writer) (io.WriteCloser, error) {
	switch c {
	case CodecNone:
		return nopWriteCloser{out}, nil
	case CodecZstd:
		return zstd.NewWriter(out)
	case CodecLZ4:
		return lz4.NewWriter(out), nil
	default:
		return nil, fmt.Errorf("unsupported push codec: %d", uint8(c))
	}
}

// NewReader wraps in with the codec's decompressor. The push path
// never uses this (targets decompress with their own tooling); it
// exists so the stream format can be verified locally.
func (c Codec) NewReader(in io.Reader) (io.ReadCloser, error) {
	switch c {
	case CodecNone:
		return io.NopCloser(in), nil
	case CodecZstd:
		decoder, err := zstd.NewReader(in)
		if err != nil {
			return nil, err
		}
		return decoder.IOReadCloser(), nil
	case CodecLZ4:
		return io.NopCloser(lz4.NewReader(in)), nil
	default:
		return nil, fmt.Errorf("unsupported push codec: %d", uint8(c))
	}
}

// RemoteFilter returns the decompression filter the target runs in
// front of tar, or "" when the stream is not compressed.
func (c Codec) RemoteFilter() string {
	switch c {
	case CodecZstd:
		return "zstd -dc"
	case CodecLZ4:
		return "lz4 -dc"
	default:
		return ""
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
