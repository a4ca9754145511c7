// Package ingest is the event entry boundary: wire decoding, validation and
// partitioned fan-out to the stream matcher.
package ingest

import (
	"fmt"
	"hash/fnv"
	"sync"

	"aegis/core"

	"go.uber.org/zap"
)

// Stream fans events out over a fixed set of partitions. Partition choice
// hashes the tenant ID, so one tenant's events are totally ordered within a
// partition and one noisy tenant cannot stall the others.
type Stream struct {
	partitions []chan *core.Event
	logger     *zap.SugaredLogger

	mu     sync.RWMutex
	closed bool
}

// NewStream creates a stream with the given partition count and per-partition
// buffer size.
func NewStream(partitions, bufferSize int, logger *zap.SugaredLogger) *Stream {
	if partitions < 1 {
		partitions = 1
	}
	if bufferSize < 1 {
		bufferSize = 1024
	}
	chans := make([]chan *core.Event, partitions)
	for i := range chans {
		chans[i] = make(chan *core.Event, bufferSize)
	}
	return &Stream{partitions: chans, logger: logger}
}

// Partitions returns the receive side of every partition, in order.
func (s *Stream) Partitions() []<-chan *core.Event {
	out := make([]<-chan *core.Event, len(s.partitions))
	for i, ch := range s.partitions {
		out[i] = ch
	}
	return out
}

// Publish routes one event to its tenant's partition. It blocks when the
// partition buffer is full; backpressure reaches the caller rather than
// silently dropping events.
func (s *Stream) Publish(event *core.Event) error {
	if event == nil {
		return fmt.Errorf("cannot publish nil event")
	}
	if event.TenantID == "" {
		return core.NewValidationError("tenant_id", "event has no tenant")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("stream is closed")
	}

	s.partitions[s.partitionFor(event.TenantID)] <- event
	return nil
}

func (s *Stream) partitionFor(tenantID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tenantID))
	return int(h.Sum32() % uint32(len(s.partitions)))
}

// Close closes every partition channel. Publish after Close returns an
// error instead of panicking.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, ch := range s.partitions {
		close(ch)
	}
}
