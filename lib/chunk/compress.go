// Copyright 2026 The Flume Authors
// SPDX-License-Identifier: Apache-2.0

package chunk

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/pierrec/lz4/v4"
)

func supportedCodec(name string) bool {
	switch name {
	case CompressionGzip, CompressionLZ4, CompressionNone:
		return true
	}
	return false
}

// encode compresses data with the named codec. The result is what gets
// hashed, stored, and shipped.
func encode(codec string, data []byte) ([]byte, error) {
	switch codec {
	case CompressionNone:
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	case CompressionGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressionLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("unsupported compression codec %q", codec)
}

// decode reverses encode.
func decode(codec string, data []byte) ([]byte, error) {
	switch codec {
	case CompressionNone:
		return data, nil
	case CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case CompressionLZ4:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	}
	return nil, fmt.Errorf("unsupported compression codec %q", codec)
}
