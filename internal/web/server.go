// Package web exposes the guiding loop over HTTP: a JSON status
// endpoint, measurement data and control, compensation control, and a
// websocket stream of guide steps.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"decguide/internal/guider"
)

var upgrader = websocket.Upgrader{
	// The daemon serves a trusted LAN; cross-origin tools are fine.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Server struct {
	addr  string
	loop  *guider.Loop
	bcast *EventBroadcaster
}

func NewServer(addr string, loop *guider.Loop, bcast *EventBroadcaster) *Server {
	return &Server{addr: addr, loop: loop, bcast: bcast}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, s.loop.Snapshot())
	})

	mux.HandleFunc("/api/measurement", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		north, south := s.loop.MeasurementSteps()
		snap := s.loop.Snapshot()
		writeJSON(w, map[string]any{
			"state":       snap.ToolState,
			"status":      snap.ToolStatus,
			"backlash_px": snap.BacklashPx,
			"backlash_ms": snap.BacklashMs,
			"north_steps": north,
			"south_steps": south,
		})
	})

	mux.HandleFunc("/api/measurement/start", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodPost) {
			return
		}
		s.loop.StartMeasurement()
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("/api/measurement/stop", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodPost) {
			return
		}
		s.loop.StopMeasurement()
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("/api/comp", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			snap := s.loop.Snapshot()
			writeJSON(w, map[string]any{
				"enabled":    snap.CompActive,
				"pulse_ms":   snap.CompPulse,
				"floor_ms":   snap.CompFloor,
				"ceiling_ms": snap.CompCeil,
			})
		case http.MethodPost:
			var in compPayload
			dec := json.NewDecoder(r.Body)
			dec.DisallowUnknownFields()
			if err := dec.Decode(&in); err != nil {
				http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
				return
			}
			s.loop.Do(func() {
				comp := s.loop.Comp()
				if in.PulseMs != nil {
					floor, ceiling := comp.Floor(), comp.Ceiling()
					if in.FloorMs != nil {
						floor = *in.FloorMs
					}
					if in.CeilingMs != nil {
						ceiling = *in.CeilingMs
					}
					comp.SetPulse(*in.PulseMs, floor, ceiling)
				}
				if in.Enabled != nil {
					comp.Enable(*in.Enabled)
				}
			})
			w.WriteHeader(http.StatusAccepted)
		default:
			w.Header().Set("Allow", "GET, POST")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/api/events", s.handleEvents)

	return mux
}

type compPayload struct {
	Enabled   *bool `json:"enabled"`
	PulseMs   *int  `json:"pulse_ms"`
	FloorMs   *int  `json:"floor_ms"`
	CeilingMs *int  `json:"ceiling_ms"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("web: websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	id, ch := s.bcast.Subscribe(16)
	defer s.bcast.Unsubscribe(id)

	// Drain (and ignore) client messages so pings are answered and a
	// closed peer is noticed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// Run serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Handler()}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("web: listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}
