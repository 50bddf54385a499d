// Package util holds small helpers shared across the repo.
package util

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/nuget-trends/nuget-trends/go/skerr"
	"github.com/nuget-trends/nuget-trends/go/sklog"
)

// RepeatCtx calls the provided function immediately and then repeatedly in
// intervals of the given duration, until the context is cancelled.
func RepeatCtx(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	done := ctx.Done()
	fn(ctx)
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// ChunkIter iterates over a range of length 'length' in chunks of at most
// chunkSize, calling fn with the start (inclusive) and end (exclusive) index
// of each chunk.
func ChunkIter(length, chunkSize int, fn func(startIdx, endIdx int) error) error {
	if chunkSize < 1 {
		return skerr.Fmt("chunk size may not be less than 1")
	}
	chunkStart := 0
	chunkEnd := minInt(length, chunkSize)
	for {
		if err := fn(chunkStart, chunkEnd); err != nil {
			return err
		}
		if chunkEnd >= length {
			return nil
		}
		chunkStart = chunkEnd
		chunkEnd = minInt(length, chunkEnd+chunkSize)
	}
}

// WithReadFile opens the given file for reading, hands the reader to fn and
// closes the file afterwards.
func WithReadFile(path string, fn func(r io.Reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		return skerr.Wrapf(err, "opening %s", path)
	}
	defer Close(f)
	return fn(f)
}

// Close closes the Closer and logs any error. For use in defer statements
// where the error has nowhere useful to go.
func Close(c io.Closer) {
	if err := c.Close(); err != nil {
		sklog.Errorf("Failed to Close(): %v", err)
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
