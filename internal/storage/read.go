package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
)

// ReadAll fetches a whole object into memory. Objects larger than maxBytes
// are refused before any body is downloaded; maxBytes <= 0 means no limit.
func ReadAll(ctx context.Context, store ObjectStore, key string, maxBytes int64) ([]byte, ObjectInfo, error) {
	info, err := store.Stat(ctx, key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	if maxBytes > 0 && info.Size > maxBytes {
		return nil, ObjectInfo{}, fmt.Errorf("object %q is %d bytes, limit is %d", key, info.Size, maxBytes)
	}
	reader, err := store.Get(ctx, key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	defer func() { _ = reader.Close() }()

	var buf bytes.Buffer
	if info.Size > 0 {
		buf.Grow(int(info.Size))
	}
	limited := io.Reader(reader)
	if maxBytes > 0 {
		limited = io.LimitReader(reader, maxBytes+1)
	}
	if _, err := buf.ReadFrom(limited); err != nil {
		return nil, ObjectInfo{}, fmt.Errorf("read object %q: %w", key, err)
	}
	if maxBytes > 0 && int64(buf.Len()) > maxBytes {
		return nil, ObjectInfo{}, fmt.Errorf("object %q exceeds limit of %d bytes", key, maxBytes)
	}
	return buf.Bytes(), info, nil
}
