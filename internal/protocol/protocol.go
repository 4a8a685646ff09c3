// Package protocol defines the JSON message envelope and payloads carried
// over a session's channel, shared by the server and the client.
package protocol

import "encoding/json"

type MessageType string

// Client -> server operations.
const (
	MsgHeartbeat       MessageType = "heartbeat"
	MsgPing            MessageType = "ping"
	MsgRegister        MessageType = "register"
	MsgSendMessage     MessageType = "sendMessage"
	MsgGetClients      MessageType = "getConnectedClients"
	MsgGetServerStatus MessageType = "getServerStatus"
)

// Server -> client events.
const (
	MsgConnected         MessageType = "onConnected"
	MsgReconnected       MessageType = "onReconnected"
	MsgClientJoined      MessageType = "onClientJoined"
	MsgClientLeft        MessageType = "onClientLeft"
	MsgHeartbeatResponse MessageType = "onHeartbeatResponse"
	MsgPong              MessageType = "onPong"
	MsgRegistered        MessageType = "onRegistered"
	MsgMessage           MessageType = "onMessage"
	MsgClientList        MessageType = "onClientList"
	MsgServerStatus      MessageType = "onServerStatus"
	MsgServerHeartbeat   MessageType = "onServerHeartbeat"
)

// Message is the wire envelope. Payload stays raw until the type is known.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage marshals payload into an envelope. All payload types in this
// package are marshalable, so a marshal error surfaces as an empty payload.
func NewMessage(t MessageType, payload interface{}) Message {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{Type: t}
	}
	return Message{Type: t, Payload: data}
}
