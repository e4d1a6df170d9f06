package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"decguide/internal/backlash"
	"decguide/internal/guider"
	"decguide/internal/scope"
	"decguide/internal/sim"
)

type memSettings struct {
	ints  map[string]int
	bools map[string]bool
}

func (s *memSettings) GetInt(key string, def int) int {
	if v, ok := s.ints[key]; ok {
		return v
	}
	return def
}
func (s *memSettings) SetInt(key string, v int) { s.ints[key] = v }
func (s *memSettings) GetBool(key string, def bool) bool {
	if v, ok := s.bools[key]; ok {
		return v
	}
	return def
}
func (s *memSettings) SetBool(key string, v bool) { s.bools[key] = v }

func newTestServer(t *testing.T) (*Server, *guider.Loop) {
	t.Helper()
	mount := sim.New(sim.Config{RatePxPerMs: 0.05})
	sc := scope.New(scope.Config{Class: "simscope", CalibrationValid: true, CalibrationYRate: 0.05}, mount)
	settings := &memSettings{ints: map[string]int{}, bools: map[string]bool{}}
	comp := backlash.NewComp(sc, settings, func(string, any) {})
	loop := guider.New(guider.Config{MinMovePx: 0.15, MaxMovePx: 20, PixelScale: 1.5}, mount, mount, sc, comp)
	return NewServer(":0", loop, NewEventBroadcaster()), loop
}

func TestServer_Status(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rec.Code)
	}
	var snap guider.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if snap.Guiding || snap.Measuring {
		t.Fatalf("fresh loop reports guiding=%v measuring=%v", snap.Guiding, snap.Measuring)
	}
}

func TestServer_StatusRejectsPost(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/status", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d want 405", rec.Code)
	}
}

func TestServer_Measurement(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/measurement", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := body["north_steps"]; !ok {
		t.Fatalf("missing north_steps in %v", body)
	}
}

func TestServer_CompRejectsUnknownField(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/comp", strings.NewReader(`{"bogus": 1}`))
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d want 400", rec.Code)
	}
}

func TestServer_CompAccepts(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/comp", strings.NewReader(`{"pulse_ms": 400, "enabled": true}`))
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status=%d want 202", rec.Code)
	}
}

func TestBroadcaster_DeliversAndReplaysLast(t *testing.T) {
	b := NewEventBroadcaster()
	ev := guider.StepEvent{Time: time.Now(), DistPx: 1.25}
	b.GuideStep(ev)

	// A late subscriber still sees the most recent step.
	id, ch := b.Subscribe(4)
	defer b.Unsubscribe(id)
	select {
	case msg := <-ch:
		var got wireEvent
		if err := json.Unmarshal(msg, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.Type != "step" {
			t.Fatalf("type=%q want step", got.Type)
		}
	default:
		t.Fatalf("no replayed event for new subscriber")
	}

	b.MeasurementDone(guider.MeasurementEvent{Result: "valid"})
	select {
	case msg := <-ch:
		if !strings.Contains(string(msg), `"measurement"`) {
			t.Fatalf("unexpected event %s", msg)
		}
	default:
		t.Fatalf("measurement event not delivered")
	}
}

func TestBroadcaster_DropsWhenSubscriberFull(t *testing.T) {
	b := NewEventBroadcaster()
	id, ch := b.Subscribe(1)
	defer b.Unsubscribe(id)
	b.GuideStep(guider.StepEvent{DistPx: 1})
	b.GuideStep(guider.StepEvent{DistPx: 2}) // dropped, buffer full
	if got := len(ch); got != 1 {
		t.Fatalf("buffered=%d want 1", got)
	}
}
