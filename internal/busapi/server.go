package busapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"nodebus/internal/bus"
	"nodebus/internal/hub"
)

const maxBodyBytes = 1 << 20

// Bus is the part of the hub the HTTP API drives.
type Bus interface {
	Publish(name string, args ...any) error
	Subscribe(name string, cb bus.Callback) bus.Handle
	Unsubscribe(h bus.Handle) bool
	Stats() hub.Stats
}

type Server struct {
	bus Bus
}

func NewServer(b Bus) *Server {
	return &Server{bus: b}
}

func (s *Server) Register(r *mux.Router) {
	r.HandleFunc("/api/publish/{name:.+}", s.handlePublish).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/api/events/{name:.+}", s.handleEvents).Methods(http.MethodGet)
}

// handlePublish publishes the request body. A JSON array is the payload; any
// other JSON value becomes a one-element payload.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeNoContent(w)
		return
	}
	name := mux.Vars(r)["name"]
	if bus.IsControl(name) {
		writeError(w, http.StatusBadRequest, bus.ErrReservedEvent.Error())
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unable to read body")
		return
	}
	var v any
	if err := bus.Unmarshal(body, &v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	payload, ok := v.([]any)
	if !ok {
		payload = []any{v}
	}
	if err := s.bus.Publish(name, payload...); err != nil {
		if errors.Is(err, hub.ErrDropped) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "name": name})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.bus.Stats())
}

// handleEvents streams every payload published under name as server-sent
// events until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	name := mux.Vars(r)["name"]
	ch := make(chan []byte, 64)
	handle := s.bus.Subscribe(name, func(payload ...any) {
		b, err := json.Marshal(payload)
		if err != nil {
			return
		}
		select {
		case ch <- b:
		default:
		}
	})
	if !handle.Valid() {
		writeError(w, http.StatusBadRequest, "event name required")
		return
	}
	defer s.bus.Unsubscribe(handle)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case b := <-ch:
			if _, err := w.Write([]byte("event: " + name + "\ndata: " + string(b) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeNoContent(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	w.WriteHeader(http.StatusNoContent)
}
