package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mattjoyce/weir/internal/frame"
	"github.com/mattjoyce/weir/internal/store"
)

const streamHeartbeat = 15 * time.Second

// streamMaxPending bounds the memory a stalled HTTP follower can hold; a
// client this far behind is disconnected and can resume via last-seq.
const streamMaxPending = 1024

// streamSSE serves a follow as a server-sent event stream. Each frame is
// one event whose id is the frame seq, so Last-Event-ID resumes exactly.
// The threshold sentinel is sent as an event of its own; heartbeat pulses
// become SSE comment lines.
func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, opts store.FollowOptions) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > opts.LastSeq {
			opts.LastSeq = n
		}
	}
	opts.Heartbeat = streamHeartbeat
	opts.MaxPending = streamMaxPending

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for f := range s.store.Follow(r.Context(), opts) {
		var err error
		switch f.Topic {
		case frame.TopicPulse:
			_, err = fmt.Fprint(w, ": pulse\n\n")
		case frame.TopicThreshold:
			_, err = fmt.Fprint(w, "event: threshold\ndata: {}\n\n")
		default:
			err = writeSSE(w, f)
		}
		if err != nil {
			return
		}
		flusher.Flush()
	}
}

func writeSSE(w http.ResponseWriter, f frame.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	// Payloads live in the CAS, so the frame itself is single-line JSON.
	_, err = fmt.Fprintf(w, "id: %d\ndata: %s\n\n", f.Seq, data)
	return err
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamWebSocket serves a follow over a WebSocket, one JSON frame per
// text message. Threshold and pulse sentinels are forwarded like any
// other frame so clients can detect the backlog boundary.
func (s *Server) streamWebSocket(w http.ResponseWriter, r *http.Request, opts store.FollowOptions) {
	opts.MaxPending = streamMaxPending
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Drain client messages so close frames and pings are processed.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				_ = conn.Close()
				return
			}
		}
	}()

	for f := range s.store.Follow(r.Context(), opts) {
		if err := conn.WriteJSON(f); err != nil {
			return
		}
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}
