// Package mixnet defines the relay's transport boundary. The mixnet itself
// (message reconstruction, SURB management, address resolution) lives in an
// external client process; the relay only consumes reconstructed frames and
// answers through single-use reply capabilities addressed by sender tag.
package mixnet

import "context"

// SenderTag is the opaque, transport-issued token addressing a reply to an
// anonymous originator. It is a volatile routing hint, never an identity:
// the same user gets a fresh tag on every new mixnet session.
type SenderTag string

// Inbound is one reconstructed transport frame. Frames that arrived without
// a sender tag are unanswerable and are dropped before reaching consumers.
type Inbound struct {
	SenderTag SenderTag
	Payload   []byte
}

// Transport is the connection to the mixnet client.
type Transport interface {
	// Messages yields inbound frames until the transport closes.
	Messages() <-chan Inbound

	// SendReply delivers payload to an anonymous originator, consuming one
	// of the reply capabilities attached to tag.
	SendReply(ctx context.Context, tag SenderTag, payload []byte) error

	// Close tears the connection down; Messages drains and closes.
	Close() error
}
