package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/weir/internal/cas"
	"github.com/mattjoyce/weir/internal/frame"
	"github.com/mattjoyce/weir/internal/generator"
	"github.com/mattjoyce/weir/internal/store"
)

// metaHeader carries extra frame meta as a JSON object.
const metaHeader = "X-Weir-Meta"

// handleAppend handles POST /{topic}: the body is the payload, the
// response is the appended frame.
func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	base, _ := frame.Split(topic)
	if err := frame.ValidateBase(base); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	meta := map[string]any{}
	if raw := r.Header.Get(metaHeader); raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			s.writeError(w, http.StatusBadRequest, metaHeader+" must be a JSON object")
			return
		}
	}
	if v := r.URL.Query().Get("duplex"); v != "" {
		meta[frame.MetaDuplex] = v != "false" && v != "no" && v != "0"
	}
	if len(meta) == 0 {
		meta = nil
	}

	f, err := s.store.Append(r.Context(), topic, payload, meta)
	if err != nil {
		s.logger.Error("append failed", "topic", topic, "error", err)
		s.writeError(w, http.StatusInternalServerError, "append failed")
		return
	}
	respondJSON(w, http.StatusOK, f)
}

// handleRead handles GET /{topic}. Without ?follow it returns the backlog
// as a JSON array; ?follow streams over SSE and ?follow=ws over WebSocket.
func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	opts := store.FollowOptions{Topic: topic}

	q := r.URL.Query()
	if v := q.Get("last-seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "last-seq must be a non-negative integer")
			return
		}
		opts.LastSeq = n
	}
	if _, ok := q["tail"]; ok {
		opts.Tail = true
	}

	follow, following := q["follow"]
	if !following {
		frames, err := s.store.Read(r.Context(), opts)
		if err != nil {
			s.logger.Error("read failed", "topic", topic, "error", err)
			s.writeError(w, http.StatusInternalServerError, "read failed")
			return
		}
		respondJSON(w, http.StatusOK, frames)
		return
	}

	if len(follow) > 0 && follow[0] == "ws" {
		s.streamWebSocket(w, r, opts)
		return
	}
	s.streamSSE(w, r, opts)
}

// handleFrame handles GET /frame/{id}.
func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	f, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "frame not found")
		return
	}
	if err != nil {
		s.logger.Error("frame lookup failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "frame lookup failed")
		return
	}
	respondJSON(w, http.StatusOK, f)
}

// handleHead handles GET /head/{topic}.
func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	f, err := s.store.Head(r.Context(), topic)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "topic has no frames")
		return
	}
	if err != nil {
		s.logger.Error("head lookup failed", "topic", topic, "error", err)
		s.writeError(w, http.StatusInternalServerError, "head lookup failed")
		return
	}
	respondJSON(w, http.StatusOK, f)
}

// handleCAS handles GET /cas/{hash}: raw payload bytes.
func (s *Server) handleCAS(w http.ResponseWriter, r *http.Request) {
	content, err := s.store.CAS().Get(chi.URLParam(r, "hash"))
	if errors.Is(err, cas.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "content not found")
		return
	}
	if err != nil {
		s.logger.Error("cas read failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "cas read failed")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

// handleGenerators handles GET /generators.
func (s *Server) handleGenerators(w http.ResponseWriter, r *http.Request) {
	list := []generator.Status{}
	if s.generators != nil {
		list = s.generators.List()
	}
	respondJSON(w, http.StatusOK, list)
}

// handleHealthz handles GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	if s.generators != nil {
		resp.Generators = len(s.generators.List())
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

func respondJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}
