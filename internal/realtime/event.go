package realtime

import (
	"encoding/binary"

	"github.com/gorilla/websocket"
)

const previewHeaderSize = 8

// Event is one frame received from the engine, relayed byte-for-byte.
// MessageType is the websocket frame type (text or binary).
type Event struct {
	MessageType int
	Payload     []byte
}

func TextEvent(payload []byte) Event {
	return Event{MessageType: websocket.TextMessage, Payload: payload}
}

func BinaryEvent(payload []byte) Event {
	return Event{MessageType: websocket.BinaryMessage, Payload: payload}
}

func (e Event) IsBinary() bool {
	return e.MessageType == websocket.BinaryMessage
}

// PreviewCode extracts the 64-bit little-endian event-type code prefixed to
// binary preview frames. Returns false for text events or short frames.
func (e Event) PreviewCode() (uint64, bool) {
	if !e.IsBinary() || len(e.Payload) < previewHeaderSize {
		return 0, false
	}
	return binary.LittleEndian.Uint64(e.Payload[:previewHeaderSize]), true
}
