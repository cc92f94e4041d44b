// Package protocol implements the relay's wire protocol: decoding inbound
// JSON frames, enforcing authorization per action, mutating the identity
// store, and answering with signed reply envelopes.
package protocol

// Inbound action verbs.
const (
	ActionRegister     = "register"
	ActionConnect      = "connect"
	ActionCreateGroup  = "createGroup"
	ActionJoinGroup    = "joinGroup"
	ActionInviteGroup  = "inviteGroup"
	ActionApproveGroup = "approveGroup"
	ActionSendGroup    = "sendGroup"
	ActionFetchGroup   = "fetchGroup"

	// actionGroupInvite labels the unsolicited push sent to an invitee.
	// It is not a reply to any request.
	actionGroupInvite = "groupInvite"

	responseSuffix = "Response"
)

// Frame is the union of all inbound request shapes. Which fields matter is
// decided per action; approveGroup is disambiguated by GroupID presence
// (membership approval) versus Username+Signature alone (user approval).
type Frame struct {
	Action         string `json:"action"`
	Username       string `json:"username,omitempty"`
	PublicKey      string `json:"publicKey,omitempty"`
	Signature      string `json:"signature,omitempty"`
	GroupID        string `json:"groupId,omitempty"`
	GroupName      string `json:"groupName,omitempty"`
	IsPublic       bool   `json:"isPublic,omitempty"`
	IsDiscoverable bool   `json:"isDiscoverable,omitempty"`
	Ciphertext     string `json:"ciphertext,omitempty"`
	LastSeenID     string `json:"lastSeenId,omitempty"`
}

// Envelope is the signed outbound reply. Content is always a string; nested
// structures are JSON-encoded into it so clients verify the signature over
// exactly the bytes they received.
type Envelope struct {
	Action    string `json:"action"`
	Content   string `json:"content"`
	Signature string `json:"signature"`
	Context   string `json:"context,omitempty"`
}

// GroupMessage is the fan-out payload relayed to members. Ciphertext is
// opaque to the relay.
type GroupMessage struct {
	Sender     string `json:"sender"`
	GroupID    string `json:"groupId"`
	Ciphertext string `json:"ciphertext"`
}

// FetchResult is the JSON-encoded content of a fetchGroup reply: pairs of
// (payload, entryId) in log order.
type FetchResult struct {
	Messages [][2]string `json:"messages"`
}

// InviteNotice is the JSON-encoded content of the out-of-band invite push.
type InviteNotice struct {
	GroupID   string `json:"groupId"`
	GroupName string `json:"groupName"`
	Admin     string `json:"admin"`
}

// Stable reply strings. Authorization failures always carry the "error: "
// prefix so clients can match on it.
const (
	ReplySuccess = "success"
	ReplyPending = "pending"

	ErrMissingUsername    = "error: missing or invalid username"
	ErrMissingPublicKey   = "error: missing or invalid publicKey"
	ErrMissingSignature   = "error: missing signature"
	ErrMissingGroupID     = "error: missing groupId"
	ErrMissingGroupName   = "error: missing groupName"
	ErrMissingCiphertext  = "error: missing ciphertext"
	ErrAlreadyRegistered  = "error: user already registered"
	ErrUserNotRegistered  = "error: user not registered"
	ErrUserNotPending     = "error: user not pending"
	ErrUnknownUser        = "error: unknown user"
	ErrUnknownGroup       = "error: unknown group"
	ErrNotConnected       = "error: not connected"
	ErrKeyMismatch        = "error: publicKey mismatch or malformed"
	ErrBadSignature       = "error: signature verification failed"
	ErrGroupPrivate       = "error: group is private"
	ErrNotGroupAdmin      = "error: not group admin"
	ErrNotGroupMember     = "error: not a group member"
	ErrNotInvited         = "error: user not invited"
	ErrAlreadyMember      = "error: already a member"
	ErrAlreadyInvited     = "error: user already invited"
	ErrAdminNotConfigured = "error: no administrator configured"
)

// errOperationFailed shapes the generic store/bus failure reply.
func errOperationFailed(op string) string { return "error: " + op + " failed" }
