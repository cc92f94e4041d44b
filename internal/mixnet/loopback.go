package mixnet

import (
	"context"
	"errors"
	"sync"
)

// Loopback is an in-process Transport for tests: frames are injected with
// Deliver and replies are recorded per sender tag.
type Loopback struct {
	mu      sync.Mutex
	closed  bool
	in      chan Inbound
	replies map[SenderTag][][]byte
	invalid map[SenderTag]bool
}

func NewLoopback() *Loopback {
	return &Loopback{
		in:      make(chan Inbound, 64),
		replies: make(map[SenderTag][][]byte),
		invalid: make(map[SenderTag]bool),
	}
}

func (l *Loopback) Messages() <-chan Inbound { return l.in }

func (l *Loopback) SendReply(ctx context.Context, tag SenderTag, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.invalid[tag] {
		return errors.New("sender tag expired")
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	l.replies[tag] = append(l.replies[tag], cp)
	return nil
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.in)
	}
	return nil
}

// Deliver injects an inbound frame as if it arrived from the mixnet.
func (l *Loopback) Deliver(tag SenderTag, payload []byte) {
	l.in <- Inbound{SenderTag: tag, Payload: payload}
}

// Replies returns a snapshot of everything sent to tag so far.
func (l *Loopback) Replies(tag SenderTag) [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.replies[tag]))
	copy(out, l.replies[tag])
	return out
}

// Invalidate makes future SendReply calls to tag fail, simulating an
// exhausted or expired reply capability.
func (l *Loopback) Invalidate(tag SenderTag) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.invalid[tag] = true
}
