package logging

import (
	"bytes"
	"os"
	"sync"
)

// RingBuffer keeps the most recent log records in memory so they can be
// dumped on SIGUSR1. It implements io.Writer. Whole records are evicted
// oldest first once the byte budget is exceeded, so a dump is always valid
// line-delimited output.
type RingBuffer struct {
	mu      sync.Mutex
	records [][]byte
	partial []byte
	used    int
	limit   int
}

// NewRingBuffer creates a ring buffer holding at most size bytes.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 4 * 1024 * 1024
	}
	return &RingBuffer{limit: size}
}

// Write appends p. Records are split on '\n'; a trailing fragment is held
// until its newline arrives.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rest := p
	for len(rest) > 0 {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			rb.partial = append(rb.partial, rest...)
			rb.used += len(rest)
			break
		}
		record := make([]byte, 0, len(rb.partial)+i+1)
		record = append(record, rb.partial...)
		record = append(record, rest[:i+1]...)
		rb.used += i + 1
		rb.partial = nil
		rb.records = append(rb.records, record)
		rest = rest[i+1:]
	}
	rb.evict()
	return len(p), nil
}

func (rb *RingBuffer) evict() {
	drop := 0
	for rb.used > rb.limit && drop < len(rb.records) {
		rb.used -= len(rb.records[drop])
		rb.records[drop] = nil
		drop++
	}
	rb.records = rb.records[drop:]

	// Complete records larger than the budget are gone by now; an oversized
	// fragment keeps its tail.
	if rb.used > rb.limit {
		if len(rb.partial) > 0 {
			rb.partial = rb.partial[len(rb.partial)-rb.limit:]
		}
		rb.used = len(rb.partial)
	}
}

// Bytes returns the buffered records in the order they were written,
// followed by any unterminated fragment.
func (rb *RingBuffer) Bytes() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	out := make([]byte, 0, rb.used)
	for _, r := range rb.records {
		out = append(out, r...)
	}
	return append(out, rb.partial...)
}

// Len returns the number of buffered bytes.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.used
}

// Records returns the number of complete records held.
func (rb *RingBuffer) Records() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return len(rb.records)
}

// DumpToFile writes the buffered records to path.
func (rb *RingBuffer) DumpToFile(path string) error {
	return os.WriteFile(path, rb.Bytes(), 0o600)
}
