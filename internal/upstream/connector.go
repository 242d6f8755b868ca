package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"relay/internal/realtime"
	"relay/internal/workflow"
)

var (
	ErrUnreachable        = errors.New("upstream: engine unreachable")
	ErrSubmissionRejected = errors.New("upstream: submission rejected")
	ErrNoOutputImage      = errors.New("upstream: no output image in history")
)

const (
	handshakeTimeout = 10 * time.Second
	controlTimeout   = 30 * time.Second

	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	writeWait  = 10 * time.Second

	defaultClientID = "relay_client"
)

// Broadcaster receives every relay event for fan-out. Satisfied by
// realtime.Hub.
type Broadcaster interface {
	Broadcast(ev realtime.Event)
}

// EventSink receives parsed text events and the disconnect notification for
// state interpretation. Satisfied by execution.Coordinator.
type EventSink interface {
	HandleEvent(env Envelope)
	HandleDisconnect()
}

// Connector owns the single persistent connection to the engine's event
// socket and speaks its HTTP control channel. It is single-shot: a failed
// connection is reported, never silently re-dialed, because a mid-session
// reconnect would desynchronize execution state.
type Connector struct {
	host     string
	port     int
	saveNode string

	httpc     *http.Client
	conn      *websocket.Conn
	sessionID string

	hub    Broadcaster
	logger zerolog.Logger
}

func NewConnector(host string, port int, saveNode string, hub Broadcaster, logger zerolog.Logger) *Connector {
	return &Connector{
		host:     host,
		port:     port,
		saveNode: saveNode,
		httpc:    &http.Client{Timeout: controlTimeout},
		hub:      hub,
		logger:   logger,
	}
}

// Address returns the engine's host:port, for status reporting.
func (c *Connector) Address() string {
	return fmt.Sprintf("%s:%d", c.host, c.port)
}

func (c *Connector) baseURL() string {
	return fmt.Sprintf("http://%s:%d", c.host, c.port)
}

// SessionID returns the session id captured during Connect.
func (c *Connector) SessionID() string {
	return c.sessionID
}

// CheckHealth probes the engine's stats endpoint.
func (c *Connector) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL()+"/system_stats", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: stats endpoint returned %d", ErrUnreachable, resp.StatusCode)
	}
	c.logger.Info().Str("engine", c.Address()).Msg("Engine connection check successful")
	return nil
}

// Connect opens the persistent event socket and captures the session id from
// the engine's initial status frame.
func (c *Connector) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	wsURL := fmt.Sprintf("ws://%s:%d/ws", c.host, c.port)

	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	// The first frame is a status event carrying the session id the engine
	// assigned us; submissions quote it as client_id.
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: no initial status frame: %v", ErrUnreachable, err)
	}
	conn.SetReadDeadline(time.Time{})

	c.sessionID = defaultClientID
	if env, err := ParseEnvelope(payload); err == nil && env.Type == EventStatus {
		var status StatusData
		if err := json.Unmarshal(env.Data, &status); err == nil && status.SID != "" {
			c.sessionID = status.SID
		}
	}
	if c.sessionID == defaultClientID {
		c.logger.Warn().Msg("No session id in initial status frame, using default client id")
	} else {
		c.logger.Info().Str("sessionId", c.sessionID).Msg("Engine event socket connected")
	}

	c.conn = conn
	return nil
}

// ReadLoop consumes the event socket for the connection's lifetime. Every
// frame is classified, relayed unmodified to the hub, and text events are
// handed to the sink for state interpretation. Malformed frames are skipped,
// never fatal. On socket closure the sink is notified.
func (c *Connector) ReadLoop(sink EventSink) {
	defer func() {
		c.conn.Close()
		sink.HandleDisconnect()
	}()

	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	done := make(chan struct{})
	defer close(done)
	go c.pingLoop(done)

	for {
		msgType, payload, err := c.conn.ReadMessage()
		if err != nil {
			c.logger.Error().Err(err).Msg("Engine event socket closed")
			return
		}

		switch msgType {
		case websocket.TextMessage:
			env, err := ParseEnvelope(payload)
			if err != nil {
				c.logger.Warn().Err(err).Msg("Skipping malformed engine event")
				continue
			}
			c.hub.Broadcast(realtime.TextEvent(payload))
			sink.HandleEvent(env)
			if env.Type != EventStatus {
				c.logger.Debug().Str("event", env.Type).Msg("Engine event")
			}

		case websocket.BinaryMessage:
			code, image, err := SplitBinaryFrame(payload)
			if err != nil {
				c.logger.Warn().Err(err).Msg("Skipping malformed preview frame")
				continue
			}
			c.logger.Debug().
				Uint64("eventCode", code).
				Int("bytes", len(image)).
				Msg("Preview image frame")
			c.hub.Broadcast(realtime.BinaryEvent(payload))
		}
	}
}

func (c *Connector) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

type submitResponse struct {
	PromptID   string         `json:"prompt_id"`
	Number     int            `json:"number"`
	NodeErrors map[string]any `json:"node_errors"`
}

// Submit posts a graph snapshot to the engine's job queue and returns the
// assigned prompt id.
func (c *Connector) Submit(ctx context.Context, graph workflow.Graph) (string, error) {
	body, err := json.Marshal(map[string]any{
		"prompt":    graph,
		"client_id": c.sessionID,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL()+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("%w: engine returned %d: %s", ErrSubmissionRejected, resp.StatusCode, detail)
	}

	var result submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmissionRejected, err)
	}
	if len(result.NodeErrors) > 0 {
		return "", fmt.Errorf("%w: node errors: %v", ErrSubmissionRejected, result.NodeErrors)
	}

	c.logger.Info().Str("promptId", result.PromptID).Msg("Workflow submitted")
	return result.PromptID, nil
}

// Interrupt asks the engine to stop the running job. Local state is not
// touched here; it changes when the matching event arrives on the read loop.
func (c *Connector) Interrupt(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL()+"/interrupt", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("interrupt request returned %d", resp.StatusCode)
	}
	c.logger.Info().Msg("Interrupt request sent")
	return nil
}

type queueState struct {
	QueueRunning [][]any `json:"queue_running"`
	QueuePending [][]any `json:"queue_pending"`
}

// ClearQueue deletes everything from the engine's job queue, running and
// pending. Queue items are arrays with the prompt id at index 1.
func (c *Connector) ClearQueue(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL()+"/queue", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("queue request returned %d", resp.StatusCode)
	}

	var state queueState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return err
	}

	var promptIDs []string
	for _, item := range append(state.QueueRunning, state.QueuePending...) {
		if len(item) > 1 {
			if id, ok := item[1].(string); ok {
				promptIDs = append(promptIDs, id)
			}
		}
	}
	if len(promptIDs) == 0 {
		c.logger.Info().Msg("No items in engine queue to clear")
		return nil
	}

	body, err := json.Marshal(map[string]any{"delete": promptIDs})
	if err != nil {
		return err
	}
	req, err = http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL()+"/queue", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err = c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("queue delete returned %d", resp.StatusCode)
	}

	c.logger.Info().Int("cleared", len(promptIDs)).Msg("Engine queue cleared")
	return nil
}

type historyEntry struct {
	Outputs map[string]ExecutedOutput `json:"outputs"`
}

// OutputImage looks up the generated image for a prompt in the engine's
// history. The configured save-image node is checked first, then every other
// node with output images.
func (c *Connector) OutputImage(ctx context.Context, promptID string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL()+"/history/"+promptID, nil)
	if err != nil {
		return "", "", err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("history request returned %d", resp.StatusCode)
	}

	var history map[string]historyEntry
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return "", "", err
	}
	entry, ok := history[promptID]
	if !ok {
		return "", "", fmt.Errorf("%w: prompt %s not in history", ErrNoOutputImage, promptID)
	}

	if output, ok := entry.Outputs[c.saveNode]; ok {
		if img, ok := firstOutputImage(output); ok {
			return img.Filename, c.ViewURL(img.Filename, img.Subfolder, img.Type), nil
		}
	}
	for _, output := range entry.Outputs {
		if img, ok := firstOutputImage(output); ok {
			return img.Filename, c.ViewURL(img.Filename, img.Subfolder, img.Type), nil
		}
	}
	return "", "", fmt.Errorf("%w: prompt %s", ErrNoOutputImage, promptID)
}

func firstOutputImage(output ExecutedOutput) (ImageRef, bool) {
	for _, img := range output.Images {
		if img.Type == "output" {
			return img, true
		}
	}
	return ImageRef{}, false
}

// ViewURL builds the engine's viewable URL for a generated file.
func (c *Connector) ViewURL(filename, subfolder, imgType string) string {
	url := fmt.Sprintf("%s/view?filename=%s", c.baseURL(), filename)
	if subfolder != "" {
		url += "&subfolder=" + subfolder
	}
	return url + "&type=" + imgType
}
