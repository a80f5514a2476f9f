package api

import (
	"fmt"
	"log/slog"
	"net/http"
)

// VoiceIncoming answers the telephony provider's incoming-call webhook with
// instructions to open a media stream back to this server.
func (h *Handler) VoiceIncoming(w http.ResponseWriter, r *http.Request) {
	host := h.publicHost
	if host == "" {
		host = r.Host
	}

	slog.Info("Incoming call webhook", "host", host, "ip", r.RemoteAddr)

	twiml := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
    <Connect>
        <Stream url="wss://%s/ws/media-stream" track="inbound_track"/>
    </Connect>
</Response>`, host)

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(twiml)); err != nil {
		slog.Error("Failed to write voice response", "error", err)
	}
}
