package bus

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// subscriberBuffer bounds each live subscription; a slow consumer loses
// messages rather than blocking the publisher (at-most-once semantics).
const subscriberBuffer = 64

// Memory is an in-process Bus used by tests and single-node setups.
// Entry ids follow the Redis stream shape "<n>-0" so cursors are
// interchangeable between implementations.
type Memory struct {
	mu     sync.Mutex
	closed bool
	logs   map[string][]Entry
	seq    map[string]int64
	subs   map[string][]chan []byte
}

func NewMemory() *Memory {
	return &Memory{
		logs: make(map[string][]Entry),
		seq:  make(map[string]int64),
		subs: make(map[string][]chan []byte),
	}
}

func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs[channel] {
		select {
		case ch <- payload:
		default:
			// subscriber buffer full, drop
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, subscriberBuffer)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch, nil
	}
	m.subs[channel] = append(m.subs[channel], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.unsubscribe(channel, ch)
	}()

	return ch, nil
}

func (m *Memory) unsubscribe(channel string, ch chan []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subs[channel]
	for i, c := range subs {
		if c == ch {
			m.subs[channel] = append(subs[:i], subs[i+1:]...)
			close(c)
			return
		}
	}
}

func (m *Memory) Append(ctx context.Context, log string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq[log]++
	id := fmt.Sprintf("%d-0", m.seq[log])
	m.logs[log] = append(m.logs[log], Entry{ID: id, Payload: payload})
	return id, nil
}

func (m *Memory) ReadAfter(ctx context.Context, log string, afterID string) ([]Entry, error) {
	if afterID == "" {
		afterID = Origin
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Entry
	for _, e := range m.logs[log] {
		if idAfter(e.ID, afterID) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for channel, subs := range m.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(m.subs, channel)
	}
	return nil
}

// idAfter reports whether stream id a orders strictly after b. Ids are
// "<major>-<minor>" pairs compared numerically, major first.
func idAfter(a, b string) bool {
	amaj, amin := splitID(a)
	bmaj, bmin := splitID(b)
	if amaj != bmaj {
		return amaj > bmaj
	}
	return amin > bmin
}

func splitID(id string) (int64, int64) {
	major, minor, ok := strings.Cut(id, "-")
	if !ok {
		minor = "0"
	}
	hi, _ := strconv.ParseInt(major, 10, 64)
	lo, _ := strconv.ParseInt(minor, 10, 64)
	return hi, lo
}
