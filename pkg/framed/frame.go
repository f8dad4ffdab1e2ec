// Package framed wraps a websocket with per-message acknowledgement: every
// outbound MESSAGE is assigned an id and its send blocks until the peer's
// matching ACK arrives. Inbound MESSAGEs are ACKed before dispatch.
package framed

import "encoding/json"

// Frame types.
const (
	TypeMessage = "MESSAGE"
	TypeACK     = "ACK"
)

// authenticatedPayload is the one-shot MESSAGE the dashboard sends after it
// accepts the upgrade headers.
const authenticatedPayload = "authenticated"

// pingPayload is the MESSAGE body used to probe a quiet connection.
const pingPayload = "ping"

// Frame is the unit of the framed protocol. Data is null for ACK frames.
type Frame struct {
	ID   string  `json:"id"`
	Type string  `json:"type"`
	Data *string `json:"data"`
}

func messageFrame(id, data string) Frame {
	return Frame{ID: id, Type: TypeMessage, Data: &data}
}

func ackFrame(id string) Frame {
	return Frame{ID: id, Type: TypeACK}
}

func (f Frame) encode() ([]byte, error) {
	return json.Marshal(f)
}
