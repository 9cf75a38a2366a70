// ABOUTME: Registered payload buffers shared between a client and its queues.
// ABOUTME: Packets reference byte ranges by buffer id; refcounts gate removal.
package packet

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrUnknownBuffer   = errors.New("packet: unknown payload buffer")
	ErrDuplicateBuffer = errors.New("packet: payload buffer id already added")
	ErrBufferInUse     = errors.New("packet: payload buffer still referenced by packets")
	ErrOutOfRange      = errors.New("packet: payload range out of bounds")
)

type payloadBuffer struct {
	data []byte
	refs int
}

// PayloadStore holds the payload buffers a client registered. Packet queues
// acquire ranges while packets are in flight; the buffer bytes belong to the
// queue until every referencing packet completes.
type PayloadStore struct {
	mu      sync.Mutex
	buffers map[uint32]*payloadBuffer
}

// NewPayloadStore returns an empty store.
func NewPayloadStore() *PayloadStore {
	return &PayloadStore{buffers: make(map[uint32]*payloadBuffer)}
}

// Add registers a buffer under an id the client has not used yet.
func (s *PayloadStore) Add(id uint32, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("packet: payload buffer %d is empty", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buffers[id]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateBuffer, id)
	}
	s.buffers[id] = &payloadBuffer{data: data}
	return nil
}

// Remove unregisters a buffer. It fails while any packet still references
// the buffer, because the bytes must return to the client exactly once.
func (s *PayloadStore) Remove(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buffers[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownBuffer, id)
	}
	if b.refs > 0 {
		return fmt.Errorf("%w: %d", ErrBufferInUse, id)
	}
	delete(s.buffers, id)
	return nil
}

// Acquire takes a reference on a byte range for an in-flight packet.
func (s *PayloadStore) Acquire(id uint32, offset, size int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buffers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownBuffer, id)
	}
	if offset < 0 || size <= 0 || offset+size > int64(len(b.data)) {
		return nil, fmt.Errorf("%w: buffer %d [%d,+%d) of %d bytes",
			ErrOutOfRange, id, offset, size, len(b.data))
	}
	b.refs++
	return b.data[offset : offset+size], nil
}

// Release drops the reference taken by Acquire.
func (s *PayloadStore) Release(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buffers[id]; ok && b.refs > 0 {
		b.refs--
	}
}

// Size reports a registered buffer's length in bytes.
func (s *PayloadStore) Size(id uint32) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buffers[id]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownBuffer, id)
	}
	return int64(len(b.data)), nil
}
