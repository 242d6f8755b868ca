package upstream

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Event type names on the engine's event stream.
const (
	EventStatus               = "status"
	EventProgress             = "progress"
	EventExecuting            = "executing"
	EventExecuted             = "executed"
	EventExecutionStart       = "execution_start"
	EventExecutionSuccess     = "execution_success"
	EventExecutionComplete    = "execution_complete"
	EventExecutionError       = "execution_error"
	EventExecutionInterrupted = "execution_interrupted"
)

// Envelope is the common shape of every text event: a type tag plus an
// opaque payload. The payload is only decoded as far as state tracking
// requires; the raw frame is what gets relayed.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func ParseEnvelope(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed event frame: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("malformed event frame: missing type")
	}
	return env, nil
}

// StatusData carries the session id handed out on connect.
type StatusData struct {
	SID string `json:"sid"`
}

type ProgressData struct {
	Value int `json:"value"`
	Max   int `json:"max"`
}

type ExecutingData struct {
	Node *string `json:"node"`
}

type ExecutedData struct {
	Node     string         `json:"node"`
	PromptID string         `json:"prompt_id"`
	Output   ExecutedOutput `json:"output"`
}

// ExecutedOutput covers both the engine's native images array and the bare
// filename shape some save nodes emit.
type ExecutedOutput struct {
	Images   []ImageRef `json:"images"`
	Filename string     `json:"filename"`
}

type ImageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type ExecutionErrorData struct {
	NodeID           string `json:"node_id"`
	ExceptionMessage string `json:"exception_message"`
}

const previewHeaderSize = 8

// SplitBinaryFrame splits a binary preview frame into its little-endian
// 64-bit event-type code and the image bytes that follow.
func SplitBinaryFrame(frame []byte) (uint64, []byte, error) {
	if len(frame) < previewHeaderSize {
		return 0, nil, fmt.Errorf("short binary frame: %d bytes", len(frame))
	}
	code := binary.LittleEndian.Uint64(frame[:previewHeaderSize])
	return code, frame[previewHeaderSize:], nil
}
