package supervisor

import (
	"sync"

	v1 "github.com/swarmd/swarmd/pkg/api/v1"
)

// Subscriber is a channel that receives output lines as they are captured.
type Subscriber chan v1.OutputLine

// OutputBuffer is a bounded ring buffer of worker output lines that also
// supports live streaming to subscribers.
type OutputBuffer struct {
	lines []v1.OutputLine
	size  int
	head  int
	count int
	mu    sync.RWMutex

	subscribers map[Subscriber]struct{}
	subMu       sync.RWMutex
}

// NewOutputBuffer creates a buffer holding the last size lines.
func NewOutputBuffer(size int) *OutputBuffer {
	return &OutputBuffer{
		lines:       make([]v1.OutputLine, size),
		size:        size,
		subscribers: make(map[Subscriber]struct{}),
	}
}

// Add appends a line, evicting the oldest when full, and notifies subscribers.
func (b *OutputBuffer) Add(line v1.OutputLine) {
	b.mu.Lock()
	idx := (b.head + b.count) % b.size
	if b.count < b.size {
		b.count++
	} else {
		b.head = (b.head + 1) % b.size
	}
	b.lines[idx] = line
	b.mu.Unlock()

	// Non-blocking notify; a slow subscriber misses lines rather than
	// stalling the reader goroutine.
	b.subMu.RLock()
	for sub := range b.subscribers {
		select {
		case sub <- line:
		default:
		}
	}
	b.subMu.RUnlock()
}

// GetAll returns every buffered line, oldest first.
func (b *OutputBuffer) GetAll() []v1.OutputLine {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]v1.OutputLine, b.count)
	for i := 0; i < b.count; i++ {
		result[i] = b.lines[(b.head+i)%b.size]
	}
	return result
}

// GetLast returns the most recent n lines, oldest first.
func (b *OutputBuffer) GetLast(n int) []v1.OutputLine {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n > b.count {
		n = b.count
	}
	result := make([]v1.OutputLine, n)
	start := b.count - n
	for i := 0; i < n; i++ {
		result[i] = b.lines[(b.head+start+i)%b.size]
	}
	return result
}

// Subscribe registers a live tail. The returned channel is buffered; lines
// that arrive while it is full are skipped for that subscriber.
func (b *OutputBuffer) Subscribe() Subscriber {
	sub := make(Subscriber, 100)
	b.subMu.Lock()
	b.subscribers[sub] = struct{}{}
	b.subMu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *OutputBuffer) Unsubscribe(sub Subscriber) {
	b.subMu.Lock()
	delete(b.subscribers, sub)
	b.subMu.Unlock()
	close(sub)
}

// Count returns the number of buffered lines.
func (b *OutputBuffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Clear discards all buffered lines.
func (b *OutputBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = 0
	b.count = 0
}
