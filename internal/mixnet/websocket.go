package mixnet

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/dial0ut/nymstr-group/internal/logging"
)

// wsFrame is the JSON envelope of the local mixnet client's websocket API.
// Inbound frames of type "received" carry the reconstructed message and the
// originator's sender tag; replies are sent as type "reply" against that tag.
type wsFrame struct {
	Type      string `json:"type"`
	Message   string `json:"message,omitempty"`
	SenderTag string `json:"senderTag,omitempty"`
	Address   string `json:"address,omitempty"`
}

// Websocket is a Transport over the websocket API exposed by a local mixnet
// client daemon. The daemon owns SURB management and message reconstruction;
// this adapter only frames and unframes.
type Websocket struct {
	conn *websocket.Conn
	log  logging.Logger
	in   chan Inbound

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// DialWebsocket connects to the mixnet client, requests the relay's own
// address for the log, and starts the read pump.
func DialWebsocket(ctx context.Context, url string, log logging.Logger) (*Websocket, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing mixnet client: %w", err)
	}

	w := &Websocket{
		conn: conn,
		log:  log.With("module", "mixnet"),
		in:   make(chan Inbound, 64),
	}

	if err := w.writeJSON(wsFrame{Type: "selfAddress"}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("requesting self address: %w", err)
	}

	go w.readPump(ctx)
	return w, nil
}

func (w *Websocket) Messages() <-chan Inbound { return w.in }

func (w *Websocket) SendReply(ctx context.Context, tag SenderTag, payload []byte) error {
	return w.writeJSON(wsFrame{
		Type:      "reply",
		SenderTag: string(tag),
		Message:   string(payload),
	})
}

func (w *Websocket) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.conn.Close()
	})
	return err
}

func (w *Websocket) writeJSON(frame wsFrame) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteJSON(frame)
}

func (w *Websocket) readPump(ctx context.Context) {
	defer close(w.in)

	for {
		_, raw, err := w.conn.ReadMessage()
		if err != nil {
			w.log.Info(ctx, "mixnet connection closed", "error", err)
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			w.log.Error(ctx, "undecodable frame from mixnet client", "error", err)
			continue
		}

		switch frame.Type {
		case "selfAddress":
			w.log.Info(ctx, "connected to mixnet", "address", frame.Address)
		case "received":
			if frame.SenderTag == "" {
				// no reply capability, nothing we could ever answer
				w.log.Warn(ctx, "received message without sender tag, ignoring")
				continue
			}
			w.in <- Inbound{SenderTag: SenderTag(frame.SenderTag), Payload: []byte(frame.Message)}
		case "error":
			w.log.Error(ctx, "mixnet client error", "message", frame.Message)
		default:
			w.log.Debug(ctx, "unhandled frame type from mixnet client", "type", frame.Type)
		}
	}
}
