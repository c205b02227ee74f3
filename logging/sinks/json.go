package sinks

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"stardrift/server/logging"
)

// JSON emits newline-delimited structured events, optionally through a zstd
// stream when the configured file is expected to grow large.
type JSON struct {
	mu        sync.Mutex
	writer    *bufio.Writer
	encoder   *json.Encoder
	zst       *zstd.Encoder
	closer    io.Closer
	autoFlush bool
	closed    bool
}

// NewJSON constructs a JSON sink writing to the provided io.Writer. A zero or
// negative flushInterval flushes after every event.
func NewJSON(w io.Writer, flushInterval time.Duration, compress bool) (*JSON, error) {
	if w == nil {
		w = io.Discard
	}
	sink := &JSON{autoFlush: flushInterval <= 0}
	if closer, ok := w.(io.Closer); ok {
		sink.closer = closer
	}
	if compress {
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return nil, err
		}
		sink.zst = enc
		sink.writer = bufio.NewWriter(enc)
	} else {
		sink.writer = bufio.NewWriter(w)
	}
	sink.encoder = json.NewEncoder(sink.writer)
	if flushInterval > 0 {
		go sink.periodicFlush(flushInterval)
	}
	return sink, nil
}

// Write satisfies logging.Sink.
func (s *JSON) Write(event logging.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if err := s.encoder.Encode(event); err != nil {
		return err
	}
	if s.autoFlush {
		return s.writer.Flush()
	}
	return nil
}

// Close flushes buffered events and closes the compressor, if any.
func (s *JSON) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.writer.Flush()
	if s.zst != nil {
		if cerr := s.zst.Close(); err == nil {
			err = cerr
		}
	}
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (s *JSON) periodicFlush(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		_ = s.writer.Flush()
		s.mu.Unlock()
	}
}
