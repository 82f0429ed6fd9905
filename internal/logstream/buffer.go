// Package logstream fans out log lines produced by one source to any number
// of consumers.
package logstream

import (
	"sync"
)

const (
	DefaultCapacity       = 100
	defaultSubscriberSize = 256
)

// Buffer keeps the last N lines and forwards every new line to its subscribers.
// Publish never blocks: a subscriber that is not keeping up loses lines.
type Buffer struct {
	mu     sync.RWMutex
	ring   []string
	next   int
	full   bool
	subs   map[*Subscription]struct{}
	closed bool
}

// Subscription receives lines published after it was created.
type Subscription struct {
	C       chan string
	buf     *Buffer
	once    sync.Once
	dropped uint64
}

func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		ring: make([]string, capacity),
		subs: make(map[*Subscription]struct{}),
	}
}

// Publish records line and hands it to every subscriber.
func (b *Buffer) Publish(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.ring[b.next] = line
	b.next = (b.next + 1) % len(b.ring)
	if b.next == 0 {
		b.full = true
	}
	for sub := range b.subs {
		select {
		case sub.C <- line:
		default:
			sub.dropped++
		}
	}
}

// Recent returns up to the last N lines, oldest first.
func (b *Buffer) Recent() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.full {
		return append([]string(nil), b.ring[:b.next]...)
	}
	out := make([]string, 0, len(b.ring))
	out = append(out, b.ring[b.next:]...)
	return append(out, b.ring[:b.next]...)
}

// Subscribe registers a new consumer. size is the channel buffer; zero uses a default.
func (b *Buffer) Subscribe(size int) *Subscription {
	if size <= 0 {
		size = defaultSubscriberSize
	}
	sub := &Subscription{C: make(chan string, size), buf: b}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.C)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Subscribers reports the number of active consumers.
func (b *Buffer) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close ends every subscription. Later publishes are ignored.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.once.Do(func() { close(sub.C) })
		delete(b.subs, sub)
	}
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.buf.mu.Lock()
	delete(s.buf.subs, s)
	s.buf.mu.Unlock()
	s.once.Do(func() { close(s.C) })
}

// Dropped is the number of lines skipped because C was full.
func (s *Subscription) Dropped() uint64 {
	s.buf.mu.RLock()
	defer s.buf.mu.RUnlock()
	return s.dropped
}

// Writer adapts the buffer to io.Writer, publishing one entry per line.
type Writer struct {
	buf     *Buffer
	mu      sync.Mutex
	partial []byte
}

func (b *Buffer) Writer() *Writer {
	return &Writer{buf: b}
}

func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	data := append(w.partial, p...)
	start := 0
	for i, c := range data {
		if c != '\n' {
			continue
		}
		line := data[start:i]
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
		if len(line) > 0 {
			w.buf.Publish(string(line))
		}
		start = i + 1
	}
	w.partial = append(w.partial[:0:0], data[start:]...)
	return len(p), nil
}
