// Package engine manages one speech-engine socket per call: configuration
// handshake, duplex audio relay with buffering, tool-call dispatch, and
// topic enforcement.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/baoagent/voicebridge/internal/topic"
	"github.com/coder/websocket"
)

const (
	audioFormat      = "g711_ulaw"
	toolFunctionName = "invoke_scheduling_tool"
	defaultBufferCap = 1024
	defaultGrace     = 3 * time.Second
)

// ErrClosed is returned by Connect after the connection has been closed.
var ErrClosed = errors.New("engine connection is closed")

// ErrNoCredentials is returned by Connect when no API key is configured.
var ErrNoCredentials = errors.New("engine credentials not configured")

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingFormat
	StateReady
	StateClosed
)

// Config holds per-connection engine settings.
type Config struct {
	URL                string
	APIKey             string
	Model              string
	Voice              string
	TranscriptionModel string
	// AudioBufferCap bounds both audio queues; the oldest frame is dropped
	// on overflow. Zero means the default cap.
	AudioBufferCap int
	// TerminateGrace is the delay between speaking the closing message and
	// signaling termination, so the message can play out.
	TerminateGrace time.Duration
}

// ToolInvoker runs one named scheduling tool.
type ToolInvoker interface {
	Invoke(ctx context.Context, tool string, args map[string]any) (json.RawMessage, error)
}

// Connection owns one speech-engine socket for a single call. Engine audio
// and lifecycle signals surface as channels rather than callbacks, so the
// consuming transport owns its own delivery goroutine.
type Connection struct {
	cfg     Config
	tools   ToolInvoker
	monitor *topic.Monitor

	audioCh chan string   // engine speech audio ready for the caller
	done    chan struct{} // closed when the connection closes
	termCh  chan struct{} // closed when topic policy ends the call

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	readCancel  context.CancelFunc
	inbound     []string // caller audio queued until the socket opens
	outbound    []string // engine audio queued until the output format is confirmed
	outputReady bool
	terminating bool
	sendCount   uint64
}

// New creates a connection. Call Connect to open the engine socket, then
// consume Audio, TerminateSignal, and Done.
func New(cfg Config, tools ToolInvoker, monitor *topic.Monitor) *Connection {
	if cfg.AudioBufferCap <= 0 {
		cfg.AudioBufferCap = defaultBufferCap
	}
	if cfg.TerminateGrace <= 0 {
		cfg.TerminateGrace = defaultGrace
	}
	return &Connection{
		cfg:     cfg,
		tools:   tools,
		monitor: monitor,
		audioCh: make(chan string, cfg.AudioBufferCap),
		done:    make(chan struct{}),
		termCh:  make(chan struct{}),
	}
}

// Audio streams engine speech audio payloads in delivery order. The
// channel is never closed; select against Done for shutdown.
func (c *Connection) Audio() <-chan string {
	return c.audioCh
}

// Done is closed when the connection is closed, for any reason.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// TerminateSignal is closed when the topic monitor ends the call, after
// the grace period that lets the closing message play out.
func (c *Connection) TerminateSignal() <-chan struct{} {
	return c.termCh
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Terminated reports whether the topic monitor has ended the call.
func (c *Connection) Terminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminating
}

// Stats returns the topic monitor's conversation statistics.
func (c *Connection) Stats() topic.Stats {
	return c.monitor.Stats()
}

// ResetSecurity clears the topic enforcement state. Invoked by the session
// registry on delete so a reused stream identifier starts clean.
func (c *Connection) ResetSecurity() {
	c.monitor.Reset()
}

// Connect opens the engine socket, sends the configuration handshake,
// flushes queued caller audio, and requests the initial response. It is a
// no-op when already connecting or connected. Failures are not retried.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed
	case StateConnecting, StateAwaitingFormat, StateReady:
		c.mu.Unlock()
		return nil
	}
	if c.cfg.APIKey == "" {
		c.mu.Unlock()
		return ErrNoCredentials
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		if c.state == StateConnecting {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		return fmt.Errorf("dial engine: %w", err)
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "session closed during connect")
		return ErrClosed
	}
	c.conn = conn

	readCtx, cancel := context.WithCancel(context.Background())
	c.readCancel = cancel

	// Configuration, queued caller audio, and the initial response trigger
	// are written under the lock so no concurrent SendAudio can interleave
	// ahead of the flushed queue.
	if err := c.writeLocked(c.sessionUpdate()); err != nil {
		c.mu.Unlock()
		c.Close()
		return fmt.Errorf("send engine configuration: %w", err)
	}
	for _, payload := range c.inbound {
		c.sendCount++
		if err := c.writeLocked(audioAppendEvent{Type: "input_audio_buffer.append", Audio: payload}); err != nil {
			slog.Error("Failed to flush buffered audio", "error", err)
			break
		}
	}
	c.inbound = nil
	if err := c.writeLocked(responseCreateEvent{Type: "response.create"}); err != nil {
		slog.Error("Failed to request initial response", "error", err)
	}
	c.state = StateAwaitingFormat
	c.mu.Unlock()

	slog.Info("Connected to speech engine", "model", c.cfg.Model)
	go c.readLoop(readCtx, conn)
	return nil
}

func (c *Connection) dial(ctx context.Context) (*websocket.Conn, error) {
	endpoint, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse engine url: %w", err)
	}
	query := endpoint.Query()
	query.Set("model", c.cfg.Model)
	endpoint.RawQuery = query.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	header.Set("openai-beta", "realtime=v1")

	conn, resp, err := websocket.Dial(ctx, endpoint.String(), &websocket.DialOptions{
		HTTPHeader: header,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	// Audio frames arrive faster than the default limit tolerates.
	conn.SetReadLimit(1 << 20)
	return conn, nil
}

// SendAudio forwards one base64 caller-audio frame, or queues it while the
// socket is not yet open. Frames are dropped once the connection is closed.
func (c *Connection) SendAudio(payload string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return
	case StateAwaitingFormat, StateReady:
		c.sendCount++
		if c.sendCount%100 == 0 {
			slog.Debug("Relaying caller audio", "frames_sent", c.sendCount)
		}
		if err := c.writeLocked(audioAppendEvent{Type: "input_audio_buffer.append", Audio: payload}); err != nil {
			slog.Error("Failed to send caller audio", "error", err)
		}
	default:
		if len(c.inbound) >= c.cfg.AudioBufferCap {
			c.inbound = c.inbound[1:]
			slog.Warn("Inbound audio buffer full, dropping oldest frame", "cap", c.cfg.AudioBufferCap)
		}
		c.inbound = append(c.inbound, payload)
	}
}

// Close shuts the engine socket down and releases the queues. Idempotent.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	conn := c.conn
	c.conn = nil
	if c.readCancel != nil {
		c.readCancel()
	}
	c.inbound = nil
	c.outbound = nil
	close(c.done)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "session ended")
	}
	slog.Info("Engine connection closed")
}

func (c *Connection) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				slog.Error("Engine socket read failed", "error", err)
			}
			c.Close()
			return
		}
		c.dispatch(ctx, data)
	}
}

// dispatch handles one inbound engine message. A panic in a handler is
// contained here so a single malformed message cannot take the call down.
func (c *Connection) dispatch(ctx context.Context, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic while handling engine message", "panic", r)
		}
	}()

	var event serverEvent
	if err := json.Unmarshal(data, &event); err != nil {
		slog.Error("Failed to parse engine message", "error", err)
		return
	}

	if len(event.ToolCalls) > 0 {
		c.handleToolCalls(ctx, event.ToolCalls)
		return
	}

	switch event.Type {
	case "conversation.item.created":
		c.handleConversationItem(event.Item)
	case "response.audio.delta":
		c.handleAudioDelta(event.Delta)
	case "session.updated":
		c.handleSessionUpdated(event.Session)
	default:
		slog.Debug("Unhandled engine event", "type", event.Type)
	}
}

func (c *Connection) handleConversationItem(item *inboundItem) {
	if item == nil {
		return
	}
	var parts []string
	for _, part := range item.Content {
		if part.Text != "" {
			parts = append(parts, part.Text)
		}
	}
	content := strings.TrimSpace(strings.Join(parts, " "))
	if content == "" {
		return
	}

	decision := c.monitor.RecordTurn(content)
	switch {
	case decision.ShouldTerminate:
		c.mu.Lock()
		alreadyTerminating := c.terminating
		c.terminating = true
		c.mu.Unlock()
		if alreadyTerminating {
			return
		}
		slog.Warn("Terminating call after repeated off-topic turns")
		if err := c.write(assistantMessage(decision.Message)); err != nil {
			slog.Error("Failed to send closing message", "error", err)
		}
		time.AfterFunc(c.cfg.TerminateGrace, func() {
			close(c.termCh)
		})
	case decision.ShouldWarn:
		slog.Info("Sending off-topic warning")
		if err := c.write(assistantMessage(decision.Message)); err != nil {
			slog.Error("Failed to send warning message", "error", err)
		}
	}
}

func (c *Connection) handleAudioDelta(delta string) {
	if delta == "" {
		return
	}
	c.mu.Lock()
	if !c.outputReady {
		if len(c.outbound) >= c.cfg.AudioBufferCap {
			c.outbound = c.outbound[1:]
			slog.Warn("Outbound audio buffer full, dropping oldest frame", "cap", c.cfg.AudioBufferCap)
		}
		c.outbound = append(c.outbound, delta)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.deliverAudio(delta)
}

// deliverAudio hands a frame to the consumer channel without blocking the
// read loop; on overflow the oldest queued frame gives way.
func (c *Connection) deliverAudio(delta string) {
	for {
		select {
		case c.audioCh <- delta:
			return
		case <-c.done:
			return
		default:
		}

		select {
		case <-c.audioCh:
			slog.Warn("Outbound audio channel full, dropped oldest frame", "cap", c.cfg.AudioBufferCap)
		default:
		}
	}
}

func (c *Connection) handleSessionUpdated(session *inboundConfig) {
	if session == nil || session.OutputAudioFormat != audioFormat {
		return
	}
	c.mu.Lock()
	if c.outputReady || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.outputReady = true
	if c.state == StateAwaitingFormat {
		c.state = StateReady
	}
	queued := c.outbound
	c.outbound = nil
	c.mu.Unlock()

	slog.Info("Engine output audio format confirmed", "format", audioFormat, "buffered_frames", len(queued))
	for _, delta := range queued {
		c.deliverAudio(delta)
	}
}

// handleToolCalls processes each requested call independently; one failure
// does not block the others.
func (c *Connection) handleToolCalls(ctx context.Context, calls []toolCall) {
	for _, call := range calls {
		if call.Function.Name != toolFunctionName {
			slog.Warn("Ignoring unexpected tool function", "name", call.Function.Name)
			continue
		}

		var args toolCallArgs
		if err := args.unmarshal(call.Function.Arguments); err != nil {
			slog.Error("Failed to parse tool arguments", "error", err, "call_id", call.ID)
			c.sendToolError(call.ID, "invalid tool arguments")
			continue
		}

		result, err := c.tools.Invoke(ctx, args.ToolName, args.ToolArguments)
		if err != nil {
			slog.Error("Scheduling tool failed", "tool", args.ToolName, "error", err, "call_id", call.ID)
			c.sendToolError(call.ID, err.Error())
			continue
		}

		if err := c.write(itemCreateEvent{
			Type: "conversation.item.create",
			Item: conversationItem{
				Type:   "function_call_output",
				CallID: call.ID,
				Output: string(result),
			},
		}); err != nil {
			slog.Error("Failed to send tool result", "error", err, "call_id", call.ID)
		}
	}
}

func (c *Connection) sendToolError(callID, message string) {
	output, _ := json.Marshal(map[string]string{"error": message})
	if err := c.write(itemCreateEvent{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: string(output),
		},
	}); err != nil {
		slog.Error("Failed to send tool error result", "error", err, "call_id", callID)
	}
}

func (c *Connection) sessionUpdate() sessionUpdateEvent {
	return sessionUpdateEvent{
		Type: "session.update",
		Session: sessionConfig{
			InputAudioFormat:        audioFormat,
			OutputAudioFormat:       audioFormat,
			Modalities:              []string{"text", "audio"},
			TurnDetection:           turnDetection{Type: "server_vad"},
			Voice:                   c.cfg.Voice,
			InputAudioTranscription: audioTranscription{Model: c.cfg.TranscriptionModel},
			Instructions:            c.monitor.Instructions(),
			Tools: []toolSchema{{
				Type:        "function",
				Name:        toolFunctionName,
				Description: "Invokes a scheduling tool on the appointment backend.",
				Parameters: toolParameters{
					Type: "object",
					Properties: map[string]toolParameter{
						"tool_name": {
							Type:        "string",
							Description: "The name of the tool to invoke.",
						},
						"tool_arguments": {
							Type:        "object",
							Description: "The arguments to pass to the tool.",
						},
					},
					Required: []string{"tool_name", "tool_arguments"},
				},
			}},
		},
	}
}

func assistantMessage(text string) itemCreateEvent {
	return itemCreateEvent{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    "assistant",
			Content: []contentPart{{Type: "text", Text: text}},
		},
	}
}

// write marshals and sends one message on the engine socket.
func (c *Connection) write(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeLocked(v)
}

// writeLocked requires c.mu to be held.
func (c *Connection) writeLocked(v any) error {
	if c.conn == nil {
		return errors.New("engine socket is not open")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode engine message: %w", err)
	}
	return c.conn.Write(context.Background(), websocket.MessageText, data)
}
