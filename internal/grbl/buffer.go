package grbl

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// RxBufferSize is the controller's serial receive buffer in bytes.
const RxBufferSize = 127

var (
	// ErrLineTooLong is returned for a line that cannot fit the RX buffer
	// even when nothing else is in flight.
	ErrLineTooLong = errors.New("grbl: line longer than receive buffer")
	// ErrUnexpectedAck is returned when a response arrives with nothing in flight.
	ErrUnexpectedAck = errors.New("grbl: response with nothing in flight")
)

// PendingLine is a line sent to the controller and not yet answered.
type PendingLine struct {
	Text string
	Size int // bytes on the wire, including the newline
}

func newPendingLine(text string) PendingLine {
	return PendingLine{Text: text, Size: len(text) + 1}
}

// BufferTracker does character-counting flow control: it mirrors the
// controller's RX buffer by remembering every unanswered line in send order.
// It is shared by the reader and writer goroutines.
type BufferTracker struct {
	mu       sync.Mutex
	capacity int
	queue    []PendingLine
	used     int
	notify   chan struct{} // closed and replaced on every release
}

// NewBufferTracker returns a tracker for a buffer of capacity bytes.
func NewBufferTracker(capacity int) *BufferTracker {
	if capacity <= 0 {
		capacity = RxBufferSize
	}
	return &BufferTracker{capacity: capacity, notify: make(chan struct{})}
}

// CanSend reports whether n more bytes fit.
func (b *BufferTracker) CanSend(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used+n <= b.capacity
}

// OnSent records text as transmitted.
func (b *BufferTracker) OnSent(text string) error {
	line := newPendingLine(text)
	b.mu.Lock()
	defer b.mu.Unlock()
	if line.Size > b.capacity {
		return fmt.Errorf("%w: %d bytes", ErrLineTooLong, line.Size)
	}
	if b.used+line.Size > b.capacity {
		return fmt.Errorf("grbl: %d bytes sent with only %d free", line.Size, b.capacity-b.used)
	}
	b.queue = append(b.queue, line)
	b.used += line.Size
	return nil
}

// Unsend drops the newest in-flight line, for a write that never reached
// the wire. It reports false when nothing is in flight.
func (b *BufferTracker) Unsend() (PendingLine, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return PendingLine{}, false
	}
	line := b.queue[len(b.queue)-1]
	b.queue = b.queue[:len(b.queue)-1]
	b.used -= line.Size
	b.releaseLocked()
	return line, true
}

// OnAck releases the oldest in-flight line and returns it.
func (b *BufferTracker) OnAck() (PendingLine, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return PendingLine{}, ErrUnexpectedAck
	}
	line := b.queue[0]
	b.queue = b.queue[1:]
	b.used -= line.Size
	b.releaseLocked()
	return line, nil
}

// Wait blocks until n bytes fit or ctx ends.
func (b *BufferTracker) Wait(ctx context.Context, n int) error {
	if n > b.capacity {
		return fmt.Errorf("%w: %d bytes", ErrLineTooLong, n)
	}
	for {
		b.mu.Lock()
		if b.used+n <= b.capacity {
			b.mu.Unlock()
			return nil
		}
		ch := b.notify
		b.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitEmpty blocks until nothing is in flight or ctx ends.
func (b *BufferTracker) WaitEmpty(ctx context.Context) error {
	return b.Wait(ctx, b.capacity)
}

// InFlight returns the unanswered line count and their total size.
func (b *BufferTracker) InFlight() (lines, bytes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue), b.used
}

// Reset forgets every in-flight line, as after a controller soft reset.
func (b *BufferTracker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = nil
	b.used = 0
	b.releaseLocked()
}

func (b *BufferTracker) releaseLocked() {
	close(b.notify)
	b.notify = make(chan struct{})
}
