// Package store defines the relay's durable identity state: users and their
// armored public keys, the sender tag each user was last seen under, groups,
// membership, invites, and registrations awaiting administrator approval.
//
// The store is the single authorization basis for every privileged action.
// Sender tags are routing hints, not identities: they are re-bound on every
// successful connect and a relay restart loses nothing but live forwarders.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by lookups when no matching row exists.
// Callers match it with errors.Is.
var ErrNotFound = errors.New("not found")

// User is a registered identity. SenderTag is the latest anonymous tag the
// user authenticated from; it may be stale or empty.
type User struct {
	Username  string
	PublicKey string
	SenderTag string
}

// PendingUser is a registration awaiting administrator approval.
type PendingUser struct {
	Username  string
	PublicKey string
}

// Group metadata. Admin is the creating username and is always a member.
type Group struct {
	ID             string
	Name           string
	Admin          string
	IsPublic       bool
	IsDiscoverable bool
}

// Store is the persistence contract shared by the Postgres and in-memory
// implementations.
//
// All mutating operations report a structural duplicate (or a missing
// precondition row) as false with a nil error; an error indicates the store
// itself failed. Uniqueness constraints are the sole serialization point for
// racing frames, so a losing insert must fail harmlessly.
type Store interface {
	// User returns the user by username, or ErrNotFound.
	User(ctx context.Context, username string) (*User, error)
	// UserByTag resolves the current owner of a sender tag, or ErrNotFound.
	UserByTag(ctx context.Context, tag string) (*User, error)
	// AddUser inserts a new user; false if the username is taken.
	AddUser(ctx context.Context, username, publicKey, tag string) (bool, error)
	// BindTag rebinds the user's sender tag; false if the user is unknown.
	BindTag(ctx context.Context, username, tag string) (bool, error)

	// AddPendingUser records a registration awaiting approval; false on duplicate.
	AddPendingUser(ctx context.Context, username, publicKey string) (bool, error)
	// PendingUser returns a pending registration, or ErrNotFound.
	PendingUser(ctx context.Context, username string) (*PendingUser, error)
	// RemovePendingUser deletes a pending registration; false if absent.
	RemovePendingUser(ctx context.Context, username string) (bool, error)
	// PromotePendingUser converts a pending registration into a user bound to
	// tag, removing the pending row in the same transaction. False if no
	// pending registration exists or the username is already taken.
	PromotePendingUser(ctx context.Context, username, tag string) (bool, error)

	// CreateGroup persists a new group; false if the id collides.
	CreateGroup(ctx context.Context, g *Group) (bool, error)
	// Group returns group metadata, or ErrNotFound.
	Group(ctx context.Context, groupID string) (*Group, error)
	// AddMember inserts a membership row; false on duplicate.
	AddMember(ctx context.Context, groupID, username string) (bool, error)
	// IsMember reports whether username belongs to the group.
	IsMember(ctx context.Context, groupID, username string) (bool, error)
	// Members lists usernames of all current group members.
	Members(ctx context.Context, groupID string) ([]string, error)
	// GroupsFor lists ids of all groups the user belongs to.
	GroupsFor(ctx context.Context, username string) ([]string, error)
	// IsAdmin reports whether username is the group's admin.
	IsAdmin(ctx context.Context, groupID, username string) (bool, error)

	// AddInvite records a pending invitation; false on duplicate.
	AddInvite(ctx context.Context, groupID, username string) (bool, error)
	// RemoveInvite revokes an invitation; false if absent.
	RemoveInvite(ctx context.Context, groupID, username string) (bool, error)
	// IsInvited reports whether username holds an invitation to the group.
	IsInvited(ctx context.Context, groupID, username string) (bool, error)
	// ApproveInvite consumes an invitation into membership atomically.
	// False if no invitation exists; the invite row never outlives success.
	ApproveInvite(ctx context.Context, groupID, username string) (bool, error)

	// Close releases the underlying connections.
	Close() error
}
