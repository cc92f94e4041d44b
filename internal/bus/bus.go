// Package bus defines the fan-out collaborator: a per-group real-time
// publish/subscribe channel plus a durable append-only log with totally
// ordered entry ids used as catch-up cursors.
package bus

import "context"

// Origin is the cursor that precedes every log entry.
const Origin = "0-0"

// Entry is one durable log record.
type Entry struct {
	ID      string
	Payload []byte
}

// Bus combines live fan-out (at-most-once, current subscribers only) with a
// durable per-log stream. Entry ids are monotonically increasing within one
// log and are shaped like Redis stream ids ("<ms>-<seq>").
type Bus interface {
	// Publish delivers payload to the channel's current subscribers.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe returns a channel of payloads published after the call.
	// The channel closes when ctx is cancelled or the bus shuts down.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)

	// Append adds payload to the named log and returns its entry id.
	Append(ctx context.Context, log string, payload []byte) (string, error)

	// ReadAfter returns all entries with ids strictly greater than afterID,
	// in log order. Origin reads the whole log.
	ReadAfter(ctx context.Context, log string, afterID string) ([]Entry, error)

	// Close releases the underlying connections.
	Close() error
}

// GroupChannel names the live pub/sub channel for a group.
func GroupChannel(groupID string) string { return "group:" + groupID + ":channel" }

// GroupLog names the durable stream for a group.
func GroupLog(groupID string) string { return "group:" + groupID + ":stream" }
