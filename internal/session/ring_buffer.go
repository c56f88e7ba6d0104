package session

import "sync"

// RingBuffer keeps the most recent Records of a session so late
// subscribers can catch up. Records are expected in increasing Seq order.
type RingBuffer struct {
	mu    sync.RWMutex
	buf   []Record
	start int // index of the oldest record
	n     int // number of records held
}

// NewRingBuffer creates a ring buffer holding up to capacity records.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{buf: make([]Record, capacity)}
}

// Write appends a record, evicting the oldest one when full.
func (rb *RingBuffer) Write(rec Record) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.n < len(rb.buf) {
		rb.buf[(rb.start+rb.n)%len(rb.buf)] = rec
		rb.n++
		return
	}
	rb.buf[rb.start] = rec
	rb.start = (rb.start + 1) % len(rb.buf)
}

// Len returns the number of records held.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.n
}

// ReadAll returns all records in the buffer, oldest first.
func (rb *RingBuffer) ReadAll() []Record {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	result := make([]Record, rb.n)
	for i := range result {
		result[i] = rb.buf[(rb.start+i)%len(rb.buf)]
	}
	return result
}

// Since returns the held records with Seq greater than seq, oldest first.
func (rb *RingBuffer) Since(seq int) []Record {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	result := make([]Record, 0, rb.n)
	for i := 0; i < rb.n; i++ {
		rec := rb.buf[(rb.start+i)%len(rb.buf)]
		if rec.Seq > seq {
			result = append(result, rec)
		}
	}
	return result
}
