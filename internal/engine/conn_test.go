package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/baoagent/voicebridge/internal/topic"
	"github.com/coder/websocket"
)

// fakeEngine accepts one websocket connection, records every message the
// bridge sends, and lets tests push server events to the bridge.
type fakeEngine struct {
	t *testing.T

	srv      *httptest.Server
	mu       sync.Mutex
	received []map[string]any
	connCh   chan *websocket.Conn
}

func newFakeEngine(t *testing.T) *fakeEngine {
	t.Helper()
	f := &fakeEngine{t: t, connCh: make(chan *websocket.Conn, 1)}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept failed: %v", err)
			return
		}
		f.connCh <- conn
		for {
			_, data, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			var msg map[string]any
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Errorf("fake engine got invalid JSON: %v", err)
				continue
			}
			f.mu.Lock()
			f.received = append(f.received, msg)
			f.mu.Unlock()
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeEngine) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

// push sends a server event to the connected bridge.
func (f *fakeEngine) push(v any) {
	f.t.Helper()
	select {
	case conn := <-f.connCh:
		f.connCh <- conn
		data, _ := json.Marshal(v)
		if err := conn.Write(context.Background(), websocket.MessageText, data); err != nil {
			f.t.Fatalf("push failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		f.t.Fatal("no bridge connection to push to")
	}
}

func (f *fakeEngine) messages() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, len(f.received))
	copy(out, f.received)
	return out
}

// waitForMessages polls until at least n messages arrived.
func (f *fakeEngine) waitForMessages(n int) []map[string]any {
	f.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msgs := f.messages()
		if len(msgs) >= n {
			return msgs
		}
		time.Sleep(10 * time.Millisecond)
	}
	f.t.Fatalf("timed out waiting for %d engine messages, got %d", n, len(f.messages()))
	return nil
}

func testConfig(url string) Config {
	return Config{
		URL:                url,
		APIKey:             "test-key",
		Model:              "gpt-4o-realtime-preview",
		Voice:              "sage",
		TranscriptionModel: "gpt-4o-transcribe",
		TerminateGrace:     20 * time.Millisecond,
	}
}

type stubInvoker struct {
	result json.RawMessage
	err    error

	mu    sync.Mutex
	calls []string
}

func (s *stubInvoker) Invoke(_ context.Context, tool string, _ map[string]any) (json.RawMessage, error) {
	s.mu.Lock()
	s.calls = append(s.calls, tool)
	s.mu.Unlock()
	return s.result, s.err
}

func TestConnectRequiresCredentials(t *testing.T) {
	t.Parallel()

	cfg := testConfig("ws://127.0.0.1:0")
	cfg.APIKey = ""
	conn := New(cfg, &stubInvoker{}, topic.NewMonitor(topic.DefaultConfig()))

	if err := conn.Connect(context.Background()); err != ErrNoCredentials {
		t.Fatalf("Connect = %v, want ErrNoCredentials", err)
	}
	if conn.State() != StateDisconnected {
		t.Errorf("state = %v, want StateDisconnected", conn.State())
	}
}

func TestAudioBufferedBeforeConnectFlushesInOrder(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine(t)
	conn := New(testConfig(engine.url()), &stubInvoker{}, topic.NewMonitor(topic.DefaultConfig()))
	defer conn.Close()

	conn.SendAudio("frame-1")
	conn.SendAudio("frame-2")
	conn.SendAudio("frame-3")

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	conn.SendAudio("frame-4")

	// session.update, three buffered appends, response.create, one live append.
	msgs := engine.waitForMessages(6)
	if msgs[0]["type"] != "session.update" {
		t.Fatalf("first message type = %v, want session.update", msgs[0]["type"])
	}
	var appends []string
	for _, msg := range msgs {
		if msg["type"] == "input_audio_buffer.append" {
			appends = append(appends, msg["audio"].(string))
		}
	}
	want := []string{"frame-1", "frame-2", "frame-3", "frame-4"}
	if len(appends) != len(want) {
		t.Fatalf("got %d audio appends, want %d", len(appends), len(want))
	}
	for i := range want {
		if appends[i] != want[i] {
			t.Errorf("append[%d] = %q, want %q", i, appends[i], want[i])
		}
	}
	if msgs[4]["type"] != "response.create" {
		t.Errorf("message after buffered audio = %v, want response.create", msgs[4]["type"])
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine(t)
	conn := New(testConfig(engine.url()), &stubInvoker{}, topic.NewMonitor(topic.DefaultConfig()))
	defer conn.Close()

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect = %v, want no-op", err)
	}

	engine.waitForMessages(2)
	updates := 0
	for _, msg := range engine.messages() {
		if msg["type"] == "session.update" {
			updates++
		}
	}
	if updates != 1 {
		t.Errorf("got %d session.update messages, want 1", updates)
	}
}

func TestAudioDeltasBufferedUntilFormatConfirmed(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine(t)
	conn := New(testConfig(engine.url()), &stubInvoker{}, topic.NewMonitor(topic.DefaultConfig()))
	defer conn.Close()

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	engine.push(map[string]any{"type": "response.audio.delta", "delta": "audio-1"})
	engine.push(map[string]any{"type": "response.audio.delta", "delta": "audio-2"})

	select {
	case payload := <-conn.Audio():
		t.Fatalf("audio %q delivered before format confirmation", payload)
	case <-time.After(50 * time.Millisecond):
	}

	engine.push(map[string]any{"type": "session.updated", "session": map[string]any{"output_audio_format": "g711_ulaw"}})
	engine.push(map[string]any{"type": "response.audio.delta", "delta": "audio-3"})

	want := []string{"audio-1", "audio-2", "audio-3"}
	for i, frame := range want {
		select {
		case payload := <-conn.Audio():
			if payload != frame {
				t.Errorf("delivered[%d] = %q, want %q", i, payload, frame)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for frame %d", i)
		}
	}
	waitFor(t, func() bool { return conn.State() == StateReady })
}

func TestAudioOverflowDropsOldestFrame(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine(t)
	cfg := testConfig(engine.url())
	cfg.AudioBufferCap = 2
	conn := New(cfg, &stubInvoker{}, topic.NewMonitor(topic.DefaultConfig()))
	defer conn.Close()

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	engine.push(map[string]any{"type": "session.updated", "session": map[string]any{"output_audio_format": "g711_ulaw"}})
	waitFor(t, func() bool { return conn.State() == StateReady })

	// Nothing consumes the channel yet, so the third frame must displace
	// the first rather than being dropped itself.
	engine.push(map[string]any{"type": "response.audio.delta", "delta": "audio-1"})
	engine.push(map[string]any{"type": "response.audio.delta", "delta": "audio-2"})
	engine.push(map[string]any{"type": "response.audio.delta", "delta": "audio-3"})

	// An on-topic turn pushed afterwards proves all three deltas were
	// processed, since the read loop handles events in order.
	engine.push(map[string]any{
		"type": "conversation.item.created",
		"item": map[string]any{
			"content": []map[string]any{{"type": "text", "text": "I need help moving"}},
		},
	})
	waitFor(t, func() bool { return conn.Stats().TotalTurns == 1 })

	want := []string{"audio-2", "audio-3"}
	for i, frame := range want {
		select {
		case payload := <-conn.Audio():
			if payload != frame {
				t.Errorf("delivered[%d] = %q, want %q", i, payload, frame)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for frame %d", i)
		}
	}
	select {
	case payload := <-conn.Audio():
		t.Fatalf("unexpected extra frame %q", payload)
	default:
	}
}

func TestToolCallSuccessSendsFunctionOutput(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine(t)
	invoker := &stubInvoker{result: json.RawMessage(`{"available_slots":["09:00"]}`)}
	conn := New(testConfig(engine.url()), invoker, topic.NewMonitor(topic.DefaultConfig()))
	defer conn.Close()

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	engine.push(map[string]any{
		"tool_calls": []map[string]any{{
			"id": "call-1",
			"function": map[string]any{
				"name": "invoke_scheduling_tool",
				"arguments": map[string]any{
					"tool_name":      "check_availability",
					"tool_arguments": map[string]any{"date": "2026-09-01"},
				},
			},
		}},
	})

	output := waitForItem(t, engine, "call-1")
	if output["output"] != `{"available_slots":["09:00"]}` {
		t.Errorf("output = %v, want the backend payload", output["output"])
	}

	invoker.mu.Lock()
	defer invoker.mu.Unlock()
	if len(invoker.calls) != 1 || invoker.calls[0] != "check_availability" {
		t.Errorf("invoker calls = %v, want [check_availability]", invoker.calls)
	}
}

func TestToolCallFailureSendsErrorWithSameCallID(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine(t)
	invoker := &stubInvoker{err: &upstreamStub{}}
	conn := New(testConfig(engine.url()), invoker, topic.NewMonitor(topic.DefaultConfig()))
	defer conn.Close()

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	engine.push(map[string]any{
		"tool_calls": []map[string]any{{
			"id": "call-9",
			"function": map[string]any{
				"name": "invoke_scheduling_tool",
				// String-encoded arguments variant.
				"arguments": `{"tool_name":"create_appointment","tool_arguments":{}}`,
			},
		}},
	})

	output := waitForItem(t, engine, "call-9")
	var payload map[string]string
	if err := json.Unmarshal([]byte(output["output"].(string)), &payload); err != nil {
		t.Fatalf("error output is not JSON: %v", err)
	}
	if payload["error"] == "" {
		t.Error("expected a human-readable error string in the output")
	}
}

func TestOffTopicEscalationTerminatesCall(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine(t)
	conn := New(testConfig(engine.url()), &stubInvoker{}, topic.NewMonitor(topic.DefaultConfig()))
	defer conn.Close()

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		engine.push(map[string]any{
			"type": "conversation.item.created",
			"item": map[string]any{
				"content": []map[string]any{{"type": "text", "text": "let's discuss the football league"}},
			},
		})
	}

	select {
	case <-conn.TerminateSignal():
	case <-time.After(2 * time.Second):
		t.Fatal("termination signal did not fire")
	}
	if !conn.Terminated() {
		t.Error("Terminated() = false after termination")
	}

	// Two warnings and one closing message were injected.
	var injected int
	for _, msg := range engine.messages() {
		if msg["type"] != "conversation.item.create" {
			continue
		}
		item, _ := msg["item"].(map[string]any)
		if item["type"] == "message" && item["role"] == "assistant" {
			injected++
		}
	}
	if injected != 3 {
		t.Errorf("got %d injected assistant messages, want 3", injected)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine(t)
	conn := New(testConfig(engine.url()), &stubInvoker{}, topic.NewMonitor(topic.DefaultConfig()))

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	conn.Close()
	conn.Close()

	if conn.State() != StateClosed {
		t.Errorf("state = %v, want StateClosed", conn.State())
	}
	if err := conn.Connect(context.Background()); err != ErrClosed {
		t.Errorf("Connect after Close = %v, want ErrClosed", err)
	}
}

func TestMalformedEngineMessageDoesNotKillConnection(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine(t)
	conn := New(testConfig(engine.url()), &stubInvoker{}, topic.NewMonitor(topic.DefaultConfig()))
	defer conn.Close()

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// Raw (non-JSON) frame straight to the bridge.
	c := <-engine.connCh
	engine.connCh <- c
	if err := c.Write(context.Background(), websocket.MessageText, []byte("not json at all")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	engine.push(map[string]any{"type": "session.updated", "session": map[string]any{"output_audio_format": "g711_ulaw"}})
	waitFor(t, func() bool { return conn.State() == StateReady })
}

// upstreamStub stands in for a backend failure.
type upstreamStub struct{}

func (e *upstreamStub) Error() string { return "scheduler backend responded with 409: conflict" }

func waitForItem(t *testing.T, engine *fakeEngine, callID string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, msg := range engine.messages() {
			if msg["type"] != "conversation.item.create" {
				continue
			}
			item, _ := msg["item"].(map[string]any)
			if item["type"] == "function_call_output" && item["call_id"] == callID {
				return item
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no function_call_output for %s", callID)
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
