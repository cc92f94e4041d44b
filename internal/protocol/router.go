package protocol

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/dial0ut/nymstr-group/internal/bus"
	"github.com/dial0ut/nymstr-group/internal/logging"
	"github.com/dial0ut/nymstr-group/internal/mixnet"
	"github.com/dial0ut/nymstr-group/internal/store"
)

// Oracle is the signature collaborator: the relay's own signing key plus
// verification of client signatures against supplied armored public keys.
type Oracle interface {
	Sign(payload string) (string, error)
	Verify(publicKey, payload, signature string) bool
	Fingerprint(publicKey string) (string, error)
}

// Subscriptions is the forwarding-task registry the router drives on
// connect/join/approve. Satisfied by *subscription.Manager.
type Subscriptions interface {
	Replace(username string, groupIDs []string)
	Add(username, groupID string)
}

// Router turns inbound frames into authorized state changes and exactly one
// signed reply each. It holds no per-session state: the caller's identity is
// re-derived from the sender tag on every frame.
type Router struct {
	store     store.Store
	oracle    Oracle
	bus       bus.Bus
	transport mixnet.Transport
	subs      Subscriptions
	log       logging.Logger

	// adminKey is the armored administrator public key; empty means
	// registrations are self-service instead of approval-gated.
	adminKey string
}

func NewRouter(s store.Store, o Oracle, b bus.Bus, t mixnet.Transport, subs Subscriptions,
	log logging.Logger, adminKey string) *Router {
	return &Router{
		store:     s,
		oracle:    o,
		bus:       b,
		transport: t,
		subs:      subs,
		log:       log.With("module", "router"),
		adminKey:  adminKey,
	}
}

// Dispatch handles one inbound frame. Frames that cannot be attributed to a
// sender tag and a known action are dropped without reply: answering an
// unauthenticated party is worse than silence.
func (r *Router) Dispatch(ctx context.Context, in mixnet.Inbound) {
	if in.SenderTag == "" {
		r.log.Warn(ctx, "frame without sender tag, ignoring")
		return
	}

	var f Frame
	if err := json.Unmarshal(in.Payload, &f); err != nil {
		r.log.Error(ctx, "undecodable frame", "error", err)
		return
	}

	r.log.Debug(ctx, "frame received", "action", f.Action, "tag", string(in.SenderTag))

	switch f.Action {
	case ActionRegister:
		r.handleRegister(ctx, &f, in.SenderTag)
	case ActionConnect:
		r.handleConnect(ctx, &f, in.SenderTag)
	case ActionCreateGroup:
		r.handleCreateGroup(ctx, &f, in.SenderTag)
	case ActionJoinGroup:
		r.handleJoinGroup(ctx, &f, in.SenderTag)
	case ActionInviteGroup:
		r.handleInviteGroup(ctx, &f, in.SenderTag)
	case ActionApproveGroup:
		if f.GroupID != "" {
			r.handleApproveMember(ctx, &f, in.SenderTag)
		} else {
			r.handleApproveUser(ctx, &f, in.SenderTag)
		}
	case ActionSendGroup:
		r.handleSendGroup(ctx, &f, in.SenderTag)
	case ActionFetchGroup:
		r.handleFetchGroup(ctx, &f, in.SenderTag)
	default:
		r.log.Error(ctx, "unknown action", "action", f.Action)
	}
}

// handleRegister stores a new identity. With an administrator configured the
// registration is parked as pending; otherwise the user is created directly,
// bound to the calling tag. A supplied signature must prove possession of
// the registered key and is mandatory in the gated variant.
func (r *Router) handleRegister(ctx context.Context, f *Frame, tag mixnet.SenderTag) {
	if f.Username == "" {
		r.reply(ctx, tag, ActionRegister, ErrMissingUsername)
		return
	}
	if f.PublicKey == "" {
		r.reply(ctx, tag, ActionRegister, ErrMissingPublicKey)
		return
	}
	if r.adminKey != "" && f.Signature == "" {
		r.reply(ctx, tag, ActionRegister, ErrMissingSignature)
		return
	}
	// proof of possession: the key signs itself
	if f.Signature != "" && !r.oracle.Verify(f.PublicKey, f.PublicKey, f.Signature) {
		r.reply(ctx, tag, ActionRegister, ErrBadSignature)
		return
	}

	if _, err := r.store.User(ctx, f.Username); err == nil {
		r.reply(ctx, tag, ActionRegister, ErrAlreadyRegistered)
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		r.log.Error(ctx, "store error during register", "error", err)
		r.reply(ctx, tag, ActionRegister, errOperationFailed("registration"))
		return
	}

	if r.adminKey != "" {
		ok, err := r.store.AddPendingUser(ctx, f.Username, f.PublicKey)
		if err != nil {
			r.log.Error(ctx, "store error during register", "error", err)
			r.reply(ctx, tag, ActionRegister, errOperationFailed("registration"))
			return
		}
		if !ok {
			r.reply(ctx, tag, ActionRegister, ErrAlreadyRegistered)
			return
		}
		r.reply(ctx, tag, ActionRegister, ReplyPending)
		return
	}

	ok, err := r.store.AddUser(ctx, f.Username, f.PublicKey, string(tag))
	if err != nil {
		r.log.Error(ctx, "store error during register", "error", err)
		r.reply(ctx, tag, ActionRegister, errOperationFailed("registration"))
		return
	}
	if !ok {
		r.reply(ctx, tag, ActionRegister, ErrAlreadyRegistered)
		return
	}
	r.reply(ctx, tag, ActionRegister, ReplySuccess)
}

// handleApproveUser promotes a pending registration. Only the configured
// administrator key may approve, signing the bare username.
func (r *Router) handleApproveUser(ctx context.Context, f *Frame, tag mixnet.SenderTag) {
	if f.Username == "" {
		r.reply(ctx, tag, ActionApproveGroup, ErrMissingUsername)
		return
	}
	if r.adminKey == "" {
		r.reply(ctx, tag, ActionApproveGroup, ErrAdminNotConfigured)
		return
	}
	if f.Signature == "" {
		r.reply(ctx, tag, ActionApproveGroup, ErrMissingSignature)
		return
	}
	if !r.oracle.Verify(r.adminKey, f.Username, f.Signature) {
		r.reply(ctx, tag, ActionApproveGroup, ErrBadSignature)
		return
	}

	// the approved user has no live tag yet; it is bound on first connect
	ok, err := r.store.PromotePendingUser(ctx, f.Username, "")
	if err != nil {
		r.log.Error(ctx, "store error during user approval", "error", err)
		r.reply(ctx, tag, ActionApproveGroup, errOperationFailed("approval"))
		return
	}
	if !ok {
		r.reply(ctx, tag, ActionApproveGroup, ErrUserNotPending)
		return
	}
	r.reply(ctx, tag, ActionApproveGroup, ReplySuccess)
}

// handleConnect re-binds the calling sender tag to a registered identity.
// The supplied key must match the stored one by fingerprint and the detached
// signature over the supplied key must verify against it.
func (r *Router) handleConnect(ctx context.Context, f *Frame, tag mixnet.SenderTag) {
	if f.Username == "" {
		r.reply(ctx, tag, ActionConnect, ErrMissingUsername)
		return
	}
	if f.PublicKey == "" {
		r.reply(ctx, tag, ActionConnect, ErrMissingPublicKey)
		return
	}
	if f.Signature == "" {
		r.reply(ctx, tag, ActionConnect, ErrMissingSignature)
		return
	}

	u, err := r.store.User(ctx, f.Username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.reply(ctx, tag, ActionConnect, ErrUserNotRegistered)
			return
		}
		r.log.Error(ctx, "store error during connect", "error", err)
		r.reply(ctx, tag, ActionConnect, errOperationFailed("connect"))
		return
	}

	storedFP, err1 := r.oracle.Fingerprint(u.PublicKey)
	suppliedFP, err2 := r.oracle.Fingerprint(f.PublicKey)
	if err1 != nil || err2 != nil || storedFP != suppliedFP {
		r.reply(ctx, tag, ActionConnect, ErrKeyMismatch)
		return
	}

	if !r.oracle.Verify(f.PublicKey, f.PublicKey, f.Signature) {
		r.reply(ctx, tag, ActionConnect, ErrBadSignature)
		return
	}

	if _, err := r.store.BindTag(ctx, f.Username, string(tag)); err != nil {
		r.log.Error(ctx, "store error during connect", "error", err)
		r.reply(ctx, tag, ActionConnect, errOperationFailed("connect"))
		return
	}

	r.reply(ctx, tag, ActionConnect, ReplySuccess)

	groups, err := r.store.GroupsFor(ctx, f.Username)
	if err != nil {
		r.log.Error(ctx, "listing groups for connect", "error", err)
		return
	}
	r.subs.Replace(f.Username, groups)
	r.log.Info(ctx, "user connected", "username", f.Username, "groups", len(groups))
}

func (r *Router) handleCreateGroup(ctx context.Context, f *Frame, tag mixnet.SenderTag) {
	caller, ok := r.caller(ctx, tag, ActionCreateGroup)
	if !ok {
		return
	}
	if f.GroupName == "" {
		r.reply(ctx, tag, ActionCreateGroup, ErrMissingGroupName)
		return
	}

	g := &store.Group{
		ID:             uuid.NewString(),
		Name:           f.GroupName,
		Admin:          caller.Username,
		IsPublic:       f.IsPublic,
		IsDiscoverable: f.IsDiscoverable,
	}

	created, err := r.store.CreateGroup(ctx, g)
	if err != nil || !created {
		r.log.Error(ctx, "store error during group creation", "error", err)
		r.reply(ctx, tag, ActionCreateGroup, errOperationFailed("group creation"))
		return
	}
	// the creator is always the first member
	if _, err := r.store.AddMember(ctx, g.ID, caller.Username); err != nil {
		r.log.Error(ctx, "store error during group creation", "error", err)
		r.reply(ctx, tag, ActionCreateGroup, errOperationFailed("group creation"))
		return
	}

	r.subs.Add(caller.Username, g.ID)
	r.log.Info(ctx, "group created", "group", g.ID, "admin", caller.Username)
	r.reply(ctx, tag, ActionCreateGroup, g.ID)
}

func (r *Router) handleJoinGroup(ctx context.Context, f *Frame, tag mixnet.SenderTag) {
	caller, ok := r.caller(ctx, tag, ActionJoinGroup)
	if !ok {
		return
	}
	if f.GroupID == "" {
		r.reply(ctx, tag, ActionJoinGroup, ErrMissingGroupID)
		return
	}

	g, err := r.store.Group(ctx, f.GroupID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.reply(ctx, tag, ActionJoinGroup, ErrUnknownGroup)
			return
		}
		r.log.Error(ctx, "store error during join", "error", err)
		r.reply(ctx, tag, ActionJoinGroup, errOperationFailed("join"))
		return
	}
	if !g.IsPublic {
		r.reply(ctx, tag, ActionJoinGroup, ErrGroupPrivate)
		return
	}

	added, err := r.store.AddMember(ctx, f.GroupID, caller.Username)
	if err != nil {
		r.log.Error(ctx, "store error during join", "error", err)
		r.reply(ctx, tag, ActionJoinGroup, errOperationFailed("join"))
		return
	}
	if !added {
		r.reply(ctx, tag, ActionJoinGroup, ErrAlreadyMember)
		return
	}

	r.subs.Add(caller.Username, f.GroupID)
	r.reply(ctx, tag, ActionJoinGroup, ReplySuccess)
}

func (r *Router) handleInviteGroup(ctx context.Context, f *Frame, tag mixnet.SenderTag) {
	caller, ok := r.caller(ctx, tag, ActionInviteGroup)
	if !ok {
		return
	}
	if f.GroupID == "" {
		r.reply(ctx, tag, ActionInviteGroup, ErrMissingGroupID)
		return
	}
	if f.Username == "" {
		r.reply(ctx, tag, ActionInviteGroup, ErrMissingUsername)
		return
	}

	admin, err := r.store.IsAdmin(ctx, f.GroupID, caller.Username)
	if err != nil {
		r.log.Error(ctx, "store error during invite", "error", err)
		r.reply(ctx, tag, ActionInviteGroup, errOperationFailed("invite"))
		return
	}
	if !admin {
		r.reply(ctx, tag, ActionInviteGroup, ErrNotGroupAdmin)
		return
	}

	invitee, err := r.store.User(ctx, f.Username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.reply(ctx, tag, ActionInviteGroup, ErrUnknownUser)
			return
		}
		r.log.Error(ctx, "store error during invite", "error", err)
		r.reply(ctx, tag, ActionInviteGroup, errOperationFailed("invite"))
		return
	}

	added, err := r.store.AddInvite(ctx, f.GroupID, f.Username)
	if err != nil {
		r.log.Error(ctx, "store error during invite", "error", err)
		r.reply(ctx, tag, ActionInviteGroup, errOperationFailed("invite"))
		return
	}
	if !added {
		r.reply(ctx, tag, ActionInviteGroup, ErrAlreadyInvited)
		return
	}

	// best-effort out-of-band notification; delivery failure never fails
	// the invite
	if invitee.SenderTag != "" {
		r.notifyInvite(ctx, mixnet.SenderTag(invitee.SenderTag), f.GroupID, caller.Username)
	}

	r.reply(ctx, tag, ActionInviteGroup, ReplySuccess)
}

func (r *Router) notifyInvite(ctx context.Context, to mixnet.SenderTag, groupID, admin string) {
	name := ""
	if g, err := r.store.Group(ctx, groupID); err == nil {
		name = g.Name
	}
	content, err := json.Marshal(InviteNotice{GroupID: groupID, GroupName: name, Admin: admin})
	if err != nil {
		return
	}
	r.push(ctx, to, actionGroupInvite, string(content), groupID)
}

func (r *Router) handleApproveMember(ctx context.Context, f *Frame, tag mixnet.SenderTag) {
	caller, ok := r.caller(ctx, tag, ActionApproveGroup)
	if !ok {
		return
	}
	if f.Username == "" {
		r.reply(ctx, tag, ActionApproveGroup, ErrMissingUsername)
		return
	}

	admin, err := r.store.IsAdmin(ctx, f.GroupID, caller.Username)
	if err != nil {
		r.log.Error(ctx, "store error during member approval", "error", err)
		r.reply(ctx, tag, ActionApproveGroup, errOperationFailed("approval"))
		return
	}
	if !admin {
		r.reply(ctx, tag, ActionApproveGroup, ErrNotGroupAdmin)
		return
	}

	approved, err := r.store.ApproveInvite(ctx, f.GroupID, f.Username)
	if err != nil {
		r.log.Error(ctx, "store error during member approval", "error", err)
		r.reply(ctx, tag, ActionApproveGroup, errOperationFailed("approval"))
		return
	}
	if !approved {
		r.reply(ctx, tag, ActionApproveGroup, ErrNotInvited)
		return
	}

	// connect the new member's forwarder right away; waiting for their next
	// connect would silently drop everything sent in between
	r.subs.Add(f.Username, f.GroupID)
	r.reply(ctx, tag, ActionApproveGroup, ReplySuccess)
}

func (r *Router) handleSendGroup(ctx context.Context, f *Frame, tag mixnet.SenderTag) {
	caller, ok := r.caller(ctx, tag, ActionSendGroup)
	if !ok {
		return
	}
	if f.GroupID == "" {
		r.reply(ctx, tag, ActionSendGroup, ErrMissingGroupID)
		return
	}
	if f.Ciphertext == "" {
		r.reply(ctx, tag, ActionSendGroup, ErrMissingCiphertext)
		return
	}

	member, err := r.store.IsMember(ctx, f.GroupID, caller.Username)
	if err != nil {
		r.log.Error(ctx, "store error during send", "error", err)
		r.reply(ctx, tag, ActionSendGroup, errOperationFailed("send"))
		return
	}
	if !member {
		r.reply(ctx, tag, ActionSendGroup, ErrNotGroupMember)
		return
	}

	payload, err := json.Marshal(GroupMessage{
		Sender:     caller.Username,
		GroupID:    f.GroupID,
		Ciphertext: f.Ciphertext,
	})
	if err != nil {
		r.reply(ctx, tag, ActionSendGroup, errOperationFailed("send"))
		return
	}

	// durable log first: a message the live path drops is still fetchable
	if _, err := r.bus.Append(ctx, bus.GroupLog(f.GroupID), payload); err != nil {
		r.log.Error(ctx, "bus error during send", "error", err)
		r.reply(ctx, tag, ActionSendGroup, errOperationFailed("send"))
		return
	}
	if err := r.bus.Publish(ctx, bus.GroupChannel(f.GroupID), payload); err != nil {
		r.log.Error(ctx, "bus error during send", "error", err)
		r.reply(ctx, tag, ActionSendGroup, errOperationFailed("send"))
		return
	}

	r.reply(ctx, tag, ActionSendGroup, ReplySuccess)
}

func (r *Router) handleFetchGroup(ctx context.Context, f *Frame, tag mixnet.SenderTag) {
	caller, ok := r.caller(ctx, tag, ActionFetchGroup)
	if !ok {
		return
	}
	if f.GroupID == "" {
		r.reply(ctx, tag, ActionFetchGroup, ErrMissingGroupID)
		return
	}

	member, err := r.store.IsMember(ctx, f.GroupID, caller.Username)
	if err != nil {
		r.log.Error(ctx, "store error during fetch", "error", err)
		r.reply(ctx, tag, ActionFetchGroup, errOperationFailed("fetch"))
		return
	}
	if !member {
		r.reply(ctx, tag, ActionFetchGroup, ErrNotGroupMember)
		return
	}

	lastSeen := f.LastSeenID
	if lastSeen == "" {
		lastSeen = bus.Origin
	}
	// when the client chooses to sign the cursor, hold it to that
	if f.Signature != "" && !r.oracle.Verify(caller.PublicKey, lastSeen, f.Signature) {
		r.reply(ctx, tag, ActionFetchGroup, ErrBadSignature)
		return
	}

	entries, err := r.bus.ReadAfter(ctx, bus.GroupLog(f.GroupID), lastSeen)
	if err != nil {
		r.log.Error(ctx, "bus error during fetch", "error", err)
		r.reply(ctx, tag, ActionFetchGroup, errOperationFailed("fetch"))
		return
	}

	result := FetchResult{Messages: make([][2]string, 0, len(entries))}
	for _, e := range entries {
		result.Messages = append(result.Messages, [2]string{string(e.Payload), e.ID})
	}
	content, err := json.Marshal(result)
	if err != nil {
		r.reply(ctx, tag, ActionFetchGroup, errOperationFailed("fetch"))
		return
	}

	r.reply(ctx, tag, ActionFetchGroup, string(content))
}

// caller resolves the sender tag to a registered user, replying with a
// not-connected error when resolution fails. Authorization never rests on
// anything the frame claims about its origin.
func (r *Router) caller(ctx context.Context, tag mixnet.SenderTag, action string) (*store.User, bool) {
	u, err := r.store.UserByTag(ctx, string(tag))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.reply(ctx, tag, action, ErrNotConnected)
			return nil, false
		}
		r.log.Error(ctx, "store error resolving caller", "error", err)
		r.reply(ctx, tag, action, errOperationFailed("lookup"))
		return nil, false
	}
	return u, true
}

// reply sends the single signed response for a handled frame.
func (r *Router) reply(ctx context.Context, to mixnet.SenderTag, action, content string) {
	r.push(ctx, to, action+responseSuffix, content, "")
}

// push signs and sends an envelope; used for both replies and the
// out-of-band invite notification.
func (r *Router) push(ctx context.Context, to mixnet.SenderTag, action, content, contextField string) {
	signature, err := r.oracle.Sign(content)
	if err != nil {
		r.log.Error(ctx, "failed to sign reply", "action", action, "error", err)
		return
	}

	env := Envelope{Action: action, Content: content, Signature: signature, Context: contextField}
	raw, err := json.Marshal(env)
	if err != nil {
		r.log.Error(ctx, "failed to encode reply", "action", action, "error", err)
		return
	}

	if err := r.transport.SendReply(ctx, to, raw); err != nil {
		r.log.Error(ctx, "failed to deliver reply", "action", action, "error", err)
	}
}
