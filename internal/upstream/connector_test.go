package upstream

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/realtime"
	"relay/internal/workflow"
)

type fakeHub struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (f *fakeHub) Broadcast(ev realtime.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeHub) snapshot() []realtime.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]realtime.Event(nil), f.events...)
}

type fakeSink struct {
	mu           sync.Mutex
	envelopes    []Envelope
	disconnected bool
}

func (f *fakeSink) HandleEvent(env Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.envelopes = append(f.envelopes, env)
}

func (f *fakeSink) HandleDisconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
}

func (f *fakeSink) isDisconnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnected
}

func connectorForServer(t *testing.T, server *httptest.Server, hub Broadcaster, saveNode string) *Connector {
	t.Helper()
	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return NewConnector(u.Hostname(), port, saveNode, hub, zerolog.Nop())
}

var testUpgrader = websocket.Upgrader{}

func testGraph() workflow.Graph {
	return workflow.Graph{
		"6": {ClassType: "CLIPTextEncode", Inputs: map[string]any{"text": "a cat"}},
	}
}

func TestConnector_Connect_CapturesSessionID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/ws", r.URL.Path)
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		err = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"status","data":{"sid":"sess-42"}}`))
		require.NoError(t, err)
		time.Sleep(100 * time.Millisecond)
	}))
	defer server.Close()

	connector := connectorForServer(t, server, &fakeHub{}, "9")
	require.NoError(t, connector.Connect(context.Background()))
	assert.Equal(t, "sess-42", connector.SessionID())
}

func TestConnector_Connect_Unreachable(t *testing.T) {
	connector := NewConnector("127.0.0.1", 1, "9", &fakeHub{}, zerolog.Nop())

	err := connector.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestConnector_ReadLoop_RelaysAndNotifies(t *testing.T) {
	textFrame := `{"type":"execution_start","data":{"prompt_id":"p1"}}`
	binaryFrame := make([]byte, 8+3)
	binary.LittleEndian.PutUint64(binaryFrame[:8], 1)
	copy(binaryFrame[8:], []byte{1, 2, 3})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		frames := [][]byte{
			[]byte(`{"type":"status","data":{"sid":"sess-1"}}`), // consumed by Connect
			[]byte(textFrame),
			[]byte(`this is not json`),
			binaryFrame,
			{1, 2}, // short binary frame, skipped
		}
		for i, frame := range frames {
			msgType := websocket.TextMessage
			if i >= 3 {
				msgType = websocket.BinaryMessage
			}
			require.NoError(t, conn.WriteMessage(msgType, frame))
		}
	}))
	defer server.Close()

	hub := &fakeHub{}
	sink := &fakeSink{}
	connector := connectorForServer(t, server, hub, "9")
	require.NoError(t, connector.Connect(context.Background()))

	done := make(chan struct{})
	go func() {
		connector.ReadLoop(sink)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("read loop did not exit on socket close")
	}

	events := hub.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, websocket.TextMessage, events[0].MessageType)
	assert.Equal(t, textFrame, string(events[0].Payload))
	assert.Equal(t, websocket.BinaryMessage, events[1].MessageType)
	assert.Equal(t, binaryFrame, events[1].Payload)

	require.Len(t, sink.envelopes, 1)
	assert.Equal(t, EventExecutionStart, sink.envelopes[0].Type)
	assert.True(t, sink.isDisconnected())
}

func TestConnector_Submit(t *testing.T) {
	var submitted map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/prompt", r.URL.Path)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &submitted))
		w.Write([]byte(`{"prompt_id":"p-123","number":1,"node_errors":{}}`))
	}))
	defer server.Close()

	connector := connectorForServer(t, server, &fakeHub{}, "9")
	connector.sessionID = "sess-7"

	graph := testGraph()
	promptID, err := connector.Submit(context.Background(), graph)
	require.NoError(t, err)
	assert.Equal(t, "p-123", promptID)
	assert.Equal(t, "sess-7", submitted["client_id"])
	assert.Contains(t, submitted, "prompt")
}

func TestConnector_Submit_RejectedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad prompt", http.StatusBadRequest)
	}))
	defer server.Close()

	connector := connectorForServer(t, server, &fakeHub{}, "9")

	_, err := connector.Submit(context.Background(), testGraph())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSubmissionRejected)
}

func TestConnector_Submit_NodeErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"prompt_id":"p-1","node_errors":{"6":{"errors":["bad input"]}}}`))
	}))
	defer server.Close()

	connector := connectorForServer(t, server, &fakeHub{}, "9")

	_, err := connector.Submit(context.Background(), testGraph())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSubmissionRejected)
}

func TestConnector_OutputImage_SaveNodePreferred(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/history/p-1", r.URL.Path)
		w.Write([]byte(`{"p-1":{"outputs":{
			"3":{"images":[{"filename":"side_00001.png","subfolder":"","type":"output"}]},
			"9":{"images":[{"filename":"scene_00001.png","subfolder":"renders","type":"output"}]}
		}}}`))
	}))
	defer server.Close()

	connector := connectorForServer(t, server, &fakeHub{}, "9")

	filename, viewURL, err := connector.OutputImage(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, "scene_00001.png", filename)
	assert.Equal(t, connector.baseURL()+"/view?filename=scene_00001.png&subfolder=renders&type=output", viewURL)
}

func TestConnector_OutputImage_FallsBackToOtherNodes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"p-1":{"outputs":{
			"3":{"images":[{"filename":"other_00001.png","subfolder":"","type":"output"}]}
		}}}`))
	}))
	defer server.Close()

	connector := connectorForServer(t, server, &fakeHub{}, "9")

	filename, _, err := connector.OutputImage(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, "other_00001.png", filename)
}

func TestConnector_OutputImage_TemporaryImagesIgnored(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"p-1":{"outputs":{
			"9":{"images":[{"filename":"preview.png","subfolder":"","type":"temp"}]}
		}}}`))
	}))
	defer server.Close()

	connector := connectorForServer(t, server, &fakeHub{}, "9")

	_, _, err := connector.OutputImage(context.Background(), "p-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoOutputImage)
}

func TestConnector_ClearQueue(t *testing.T) {
	var deleted []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/queue", r.URL.Path)
		if r.Method == http.MethodGet {
			w.Write([]byte(`{"queue_running":[[0,"p-run"]],"queue_pending":[[1,"p-pend"]]}`))
			return
		}
		var body struct {
			Delete []string `json:"delete"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		deleted = body.Delete
	}))
	defer server.Close()

	connector := connectorForServer(t, server, &fakeHub{}, "9")

	require.NoError(t, connector.ClearQueue(context.Background()))
	assert.Equal(t, []string{"p-run", "p-pend"}, deleted)
}

func TestConnector_CheckHealth_Unreachable(t *testing.T) {
	connector := NewConnector("127.0.0.1", 1, "9", &fakeHub{}, zerolog.Nop())

	err := connector.CheckHealth(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestConnector_ViewURL(t *testing.T) {
	connector := NewConnector("localhost", 8188, "9", &fakeHub{}, zerolog.Nop())

	assert.Equal(t,
		"http://localhost:8188/view?filename=a.png&type=output",
		connector.ViewURL("a.png", "", "output"))
	assert.Equal(t,
		"http://localhost:8188/view?filename=a.png&subfolder=renders&type=output",
		connector.ViewURL("a.png", "renders", "output"))
}
