// Package transport handles the telephony media-stream websocket, bridging
// inbound call audio to the session registry and engine audio back out.
package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/baoagent/voicebridge/internal/domain"
	"github.com/baoagent/voicebridge/internal/engine"
	"github.com/baoagent/voicebridge/internal/session"
	"github.com/baoagent/voicebridge/internal/store"
	"github.com/coder/websocket"
)

const outboundTrack = "outbound_track"

// Handler is the per-connection handler for the telephony socket.
type Handler struct {
	registry *session.Registry
	calls    store.Repository // optional; nil disables call records
}

// NewHandler creates a new telephony websocket handler.
func NewHandler(registry *session.Registry, calls store.Repository) *Handler {
	return &Handler{registry: registry, calls: calls}
}

// streamConn wraps one accepted telephony socket. Writes are serialized:
// the engine read loop delivers audio concurrently with control events
// written from the inbound loop.
type streamConn struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	streamSid string
}

func (s *streamConn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(context.Background(), websocket.MessageText, data)
}

// ServeHTTP implements http.Handler for the media-stream websocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept telephony websocket", "error", err)
		return
	}
	defer func() {
		_ = ws.Close(websocket.StatusNormalClosure, "stream ended")
	}()

	slog.Info("Telephony websocket connected", "ip", r.RemoteAddr)
	stream := &streamConn{conn: ws}
	defer h.teardown(stream)

	ctx := r.Context()
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("Telephony websocket closed", "stream_sid", stream.streamSid)
			} else {
				slog.Warn("Telephony websocket read error", "error", err, "stream_sid", stream.streamSid)
			}
			return
		}
		h.handleEvent(ctx, stream, data)
	}
}

// handleEvent processes one inbound telephony message. Parse failures and
// handler panics are contained; they never bring the connection down.
func (h *Handler) handleEvent(ctx context.Context, stream *streamConn, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic while handling telephony message", "panic", r, "stream_sid", stream.streamSid)
		}
	}()

	var msg inboundEvent
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Error("Failed to parse telephony message", "error", err)
		return
	}

	switch msg.Event {
	case "connected":
		// For <Connect><Stream> the identifier arrives on the connected event.
		if msg.StreamSid != "" {
			stream.streamSid = msg.StreamSid
		}
		slog.Debug("Telephony stream handshake", "stream_sid", stream.streamSid)

	case "start":
		if msg.Start == nil {
			slog.Warn("Start event without payload")
			return
		}
		stream.streamSid = msg.Start.StreamSid
		h.startSession(ctx, stream, msg.Start)

	case "media":
		if stream.streamSid == "" || msg.Media == nil {
			return
		}
		if conn := h.registry.Get(stream.streamSid); conn != nil {
			conn.SendAudio(msg.Media.Payload)
		}

	case "stop":
		h.endSession(stream)
		slog.Info("Telephony media stream stopped", "stream_sid", stream.streamSid)

	case "input_audio_buffer.speech_started":
		// The caller began speaking; flush audio already queued on the
		// telephony side so the assistant does not talk over them.
		if stream.streamSid == "" {
			return
		}
		if err := stream.writeJSON(outboundControl{Event: "clear", StreamSid: stream.streamSid}); err != nil {
			slog.Error("Failed to send clear event", "error", err, "stream_sid", stream.streamSid)
		}

	default:
		slog.Debug("Unhandled telephony event", "event", msg.Event)
	}
}

func (h *Handler) startSession(ctx context.Context, stream *streamConn, start *startEvent) {
	sid := start.StreamSid
	slog.Info("Media stream started", "stream_sid", sid, "call_sid", start.CallSid)

	conn, err := h.registry.Create(sid)
	if err != nil {
		slog.Error("Failed to create call session", "error", err, "stream_sid", sid)
		return
	}

	h.recordStart(sid, start.CallSid)
	go h.relayEngine(stream, sid, conn)

	if err := conn.Connect(ctx); err != nil {
		// Not retried; the engine leg stays down for this call.
		slog.Error("Failed to connect to speech engine", "error", err, "stream_sid", sid)
	}
}

// relayEngine pumps engine audio out to the telephony socket and reacts to
// the session's lifecycle signals. One goroutine per call.
func (h *Handler) relayEngine(stream *streamConn, sid string, conn *engine.Connection) {
	for {
		select {
		case payload := <-conn.Audio():
			if err := stream.writeJSON(outboundMedia{
				Event:     "media",
				StreamSid: sid,
				Media:     mediaEvent{Payload: payload, Track: outboundTrack},
			}); err != nil {
				slog.Error("Failed to relay engine audio", "error", err, "stream_sid", sid)
				continue
			}
			if err := stream.writeJSON(outboundControl{Event: "mark", StreamSid: sid}); err != nil {
				slog.Debug("Failed to send mark event", "error", err, "stream_sid", sid)
			}
		case <-conn.TerminateSignal():
			slog.Warn("Ending call for policy reasons", "stream_sid", sid)
			_ = stream.conn.Close(websocket.StatusNormalClosure, "call terminated")
			return
		case <-conn.Done():
			return
		}
	}
}

// endSession closes and removes the session, recording the outcome.
// Idempotent: stop, socket error, and socket close all funnel here.
func (h *Handler) endSession(stream *streamConn) {
	sid := stream.streamSid
	if sid == "" {
		return
	}
	conn := h.registry.Get(sid)
	if conn == nil {
		return
	}

	outcome := domain.OutcomeCompleted
	if conn.Terminated() {
		outcome = domain.OutcomeTerminated
	}
	stats := conn.Stats()

	conn.Close()
	h.registry.Delete(sid)
	h.recordFinish(sid, outcome, stats.TotalTurns, stats.OffTopicCount, stats.OnTopicPercentage)
}

func (h *Handler) teardown(stream *streamConn) {
	h.endSession(stream)
	slog.Info("Telephony websocket closed", "stream_sid", stream.streamSid)
}

func (h *Handler) recordStart(streamSid, callSid string) {
	if h.calls == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		record := &domain.CallRecord{StreamSid: streamSid, CallSid: callSid}
		if err := h.calls.StartCall(ctx, record); err != nil {
			slog.Warn("Failed to record call start", "error", err, "stream_sid", streamSid)
		}
	}()
}

func (h *Handler) recordFinish(streamSid, outcome string, totalTurns, offTopic int, onTopicPct float64) {
	if h.calls == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.calls.FinishCall(ctx, streamSid, outcome, totalTurns, offTopic, onTopicPct); err != nil {
			slog.Warn("Failed to record call finish", "error", err, "stream_sid", streamSid)
		}
	}()
}
