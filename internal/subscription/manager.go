// Package subscription bridges the fan-out bus to the transport's per-tag
// reply primitive: one forwarding goroutine per (user, group) subscription,
// supervised per user so a reconnect replaces the previous generation instead
// of accumulating goroutines.
package subscription

import (
	"context"
	"errors"
	"sync"

	"github.com/dial0ut/nymstr-group/internal/bus"
	"github.com/dial0ut/nymstr-group/internal/logging"
	"github.com/dial0ut/nymstr-group/internal/mixnet"
	"github.com/dial0ut/nymstr-group/internal/store"
)

// generation is one user's current set of forwarders. Cancelling its context
// stops every forwarder started under it.
type generation struct {
	ctx    context.Context
	cancel context.CancelFunc
	groups map[string]struct{}
}

// Manager owns all live forwarding tasks, keyed by username.
type Manager struct {
	bus       bus.Bus
	store     store.Store
	transport mixnet.Transport
	log       logging.Logger

	baseCtx context.Context
	stop    context.CancelFunc

	mu   sync.Mutex
	gens map[string]*generation
	wg   sync.WaitGroup
}

func NewManager(ctx context.Context, b bus.Bus, s store.Store, t mixnet.Transport, log logging.Logger) *Manager {
	baseCtx, stop := context.WithCancel(ctx)
	return &Manager{
		bus:       b,
		store:     s,
		transport: t,
		log:       log.With("module", "subscription"),
		baseCtx:   baseCtx,
		stop:      stop,
		gens:      make(map[string]*generation),
	}
}

// Replace tears down the user's previous forwarders and starts a fresh one
// for each group. Called on every successful connect, so tag rotation churn
// swaps goroutines instead of leaking them.
func (m *Manager) Replace(username string, groupIDs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.gens[username]; ok {
		prev.cancel()
	}

	genCtx, cancel := context.WithCancel(m.baseCtx)
	gen := &generation{ctx: genCtx, cancel: cancel, groups: make(map[string]struct{}, len(groupIDs))}
	m.gens[username] = gen

	for _, groupID := range groupIDs {
		m.startLocked(gen, username, groupID)
	}
}

// Add attaches one more group forwarder to the user's current generation,
// creating a generation if the user has none yet. Used when membership is
// gained mid-session (self-join, invite approval, group creation).
func (m *Manager) Add(username, groupID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	gen, ok := m.gens[username]
	if !ok {
		genCtx, cancel := context.WithCancel(m.baseCtx)
		gen = &generation{ctx: genCtx, cancel: cancel, groups: make(map[string]struct{})}
		m.gens[username] = gen
	}
	m.startLocked(gen, username, groupID)
}

// startLocked subscribes synchronously, so the forwarder is live before the
// caller's reply goes out, and spawns the pump goroutine.
func (m *Manager) startLocked(gen *generation, username, groupID string) {
	if _, dup := gen.groups[groupID]; dup {
		return
	}

	ch, err := m.bus.Subscribe(gen.ctx, bus.GroupChannel(groupID))
	if err != nil {
		m.log.Error(gen.ctx, "subscribe failed", "username", username, "group", groupID, "error", err)
		return
	}
	gen.groups[groupID] = struct{}{}

	m.wg.Add(1)
	go m.forward(gen.ctx, ch, username, groupID)
}

// Close stops every forwarder and waits for them to drain.
func (m *Manager) Close() {
	m.stop()
	m.wg.Wait()
}

// forward pumps one group's live channel to one user. The member's current
// sender tag is resolved per delivery, not captured at subscribe time: the
// user may have rotated tags since, and the old capability is worthless.
func (m *Manager) forward(ctx context.Context, ch <-chan []byte, username, groupID string) {
	defer m.wg.Done()

	log := m.log.With("username", username, "group", groupID)
	log.Debug(ctx, "forwarder started")

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-ch:
			if !ok {
				log.Debug(ctx, "bus channel closed, forwarder exiting")
				return
			}
			m.deliver(ctx, log, username, payload)
		}
	}
}

func (m *Manager) deliver(ctx context.Context, log logging.Logger, username string, payload []byte) {
	u, err := m.store.User(ctx, username)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Error(ctx, "resolving member tag", "error", err)
		}
		return
	}
	if u.SenderTag == "" {
		return
	}
	if err := m.transport.SendReply(ctx, mixnet.SenderTag(u.SenderTag), payload); err != nil {
		// tag invalid or capability exhausted; drop, never retry
		log.Debug(ctx, "forward dropped", "error", err)
	}
}
