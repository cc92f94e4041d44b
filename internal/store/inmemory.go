package store

import (
	"context"
	"sync"
)

type memberKey struct {
	groupID  string
	username string
}

// InMemory is a mutex-guarded Store used by tests and single-node setups
// that do not need durability.
type InMemory struct {
	mu      sync.RWMutex
	users   map[string]*User
	pending map[string]*PendingUser
	groups  map[string]*Group
	members map[memberKey]struct{}
	invites map[memberKey]struct{}
}

func NewInMemory() *InMemory {
	return &InMemory{
		users:   make(map[string]*User),
		pending: make(map[string]*PendingUser),
		groups:  make(map[string]*Group),
		members: make(map[memberKey]struct{}),
		invites: make(map[memberKey]struct{}),
	}
}

func (s *InMemory) User(ctx context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *InMemory) UserByTag(ctx context.Context, tag string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if tag == "" {
		return nil, ErrNotFound
	}
	for _, u := range s.users {
		if u.SenderTag == tag {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *InMemory) AddUser(ctx context.Context, username, publicKey, tag string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[username]; ok {
		return false, nil
	}
	s.users[username] = &User{Username: username, PublicKey: publicKey, SenderTag: tag}
	return true, nil
}

func (s *InMemory) BindTag(ctx context.Context, username, tag string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	if !ok {
		return false, nil
	}
	u.SenderTag = tag
	return true, nil
}

func (s *InMemory) AddPendingUser(ctx context.Context, username, publicKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[username]; ok {
		return false, nil
	}
	s.pending[username] = &PendingUser{Username: username, PublicKey: publicKey}
	return true, nil
}

func (s *InMemory) PendingUser(ctx context.Context, username string) (*PendingUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pending[username]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *InMemory) RemovePendingUser(ctx context.Context, username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[username]; !ok {
		return false, nil
	}
	delete(s.pending, username)
	return true, nil
}

func (s *InMemory) PromotePendingUser(ctx context.Context, username, tag string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[username]
	if !ok {
		return false, nil
	}
	if _, taken := s.users[username]; taken {
		return false, nil
	}
	s.users[username] = &User{Username: username, PublicKey: p.PublicKey, SenderTag: tag}
	delete(s.pending, username)
	return true, nil
}

func (s *InMemory) CreateGroup(ctx context.Context, g *Group) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[g.ID]; ok {
		return false, nil
	}
	cp := *g
	s.groups[g.ID] = &cp
	return true, nil
}

func (s *InMemory) Group(ctx context.Context, groupID string) (*Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[groupID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (s *InMemory) AddMember(ctx context.Context, groupID, username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memberKey{groupID, username}
	if _, ok := s.members[k]; ok {
		return false, nil
	}
	s.members[k] = struct{}{}
	return true, nil
}

func (s *InMemory) IsMember(ctx context.Context, groupID, username string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[memberKey{groupID, username}]
	return ok, nil
}

func (s *InMemory) Members(ctx context.Context, groupID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for k := range s.members {
		if k.groupID == groupID {
			out = append(out, k.username)
		}
	}
	return out, nil
}

func (s *InMemory) GroupsFor(ctx context.Context, username string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for k := range s.members {
		if k.username == username {
			out = append(out, k.groupID)
		}
	}
	return out, nil
}

func (s *InMemory) IsAdmin(ctx context.Context, groupID, username string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[groupID]
	return ok && g.Admin == username, nil
}

func (s *InMemory) AddInvite(ctx context.Context, groupID, username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memberKey{groupID, username}
	if _, ok := s.invites[k]; ok {
		return false, nil
	}
	s.invites[k] = struct{}{}
	return true, nil
}

func (s *InMemory) RemoveInvite(ctx context.Context, groupID, username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memberKey{groupID, username}
	if _, ok := s.invites[k]; !ok {
		return false, nil
	}
	delete(s.invites, k)
	return true, nil
}

func (s *InMemory) IsInvited(ctx context.Context, groupID, username string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.invites[memberKey{groupID, username}]
	return ok, nil
}

func (s *InMemory) ApproveInvite(ctx context.Context, groupID, username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memberKey{groupID, username}
	if _, ok := s.invites[k]; !ok {
		return false, nil
	}
	delete(s.invites, k)
	s.members[k] = struct{}{}
	return true, nil
}

func (s *InMemory) Close() error { return nil }
