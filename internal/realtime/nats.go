package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const (
	subjectPrefix  = "relay.events"
	previewSubject = "relay.preview"
)

// Mirror republishes every relay event onto NATS subjects so consumers that
// cannot hold a WebSocket open can still follow the stream. Text events go to
// relay.events.<type>, binary preview frames to relay.preview.
type Mirror struct {
	conn   *nats.Conn
	logger zerolog.Logger
}

func NewMirror(natsURL string, logger zerolog.Logger) (*Mirror, error) {
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &Mirror{conn: nc, logger: logger}, nil
}

// Publish mirrors one event. Failures are logged only; the WebSocket relay
// path never depends on NATS delivery.
func (m *Mirror) Publish(ev Event) {
	subject := previewSubject
	if !ev.IsBinary() {
		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(ev.Payload, &envelope); err != nil || envelope.Type == "" {
			subject = subjectPrefix
		} else {
			subject = subjectPrefix + "." + envelope.Type
		}
	}

	if err := m.conn.Publish(subject, ev.Payload); err != nil {
		m.logger.Warn().Err(err).Str("subject", subject).Msg("NATS mirror publish failed")
	}
}

// Close drains the NATS connection.
func (m *Mirror) Close() {
	if err := m.conn.Drain(); err != nil {
		m.logger.Warn().Err(err).Msg("NATS mirror drain failed")
	}
}
