package autocancel

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/clinic/frontdesk/internal/platform/backend"
)

func newTestHandler(t *testing.T, sw *fakeSweeper) (*Handler, *Poller, *echo.Echo) {
	t.Helper()
	p := New(sw, WithClock(fixedClock))
	t.Cleanup(p.Close)
	return NewHandler(p), p, echo.New()
}

func TestHandler_GetStatus(t *testing.T) {
	h, _, e := newTestHandler(t, &fakeSweeper{})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.GetStatus(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var st Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Enabled {
		t.Error("expected disabled")
	}
}

func TestHandler_SetEnabled(t *testing.T) {
	h, p, e := newTestHandler(t, &fakeSweeper{})

	req := httptest.NewRequest(http.MethodPut, "/enabled", strings.NewReader(`{"enabled":true}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.SetEnabled(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if !p.Status().Enabled {
		t.Error("expected poller enabled")
	}
	var st Status
	json.Unmarshal(rec.Body.Bytes(), &st)
	if st.NextRunAt == nil {
		t.Error("expected next_run_at in response")
	}

	req = httptest.NewRequest(http.MethodPut, "/enabled", strings.NewReader(`{"enabled":false}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec = httptest.NewRecorder()
	if err := h.SetEnabled(e.NewContext(req, rec)); err != nil {
		t.Fatal(err)
	}
	if p.Status().Enabled {
		t.Error("expected poller disabled")
	}
}

func TestHandler_SetEnabled_MissingField(t *testing.T) {
	h, _, e := newTestHandler(t, &fakeSweeper{})
	req := httptest.NewRequest(http.MethodPut, "/enabled", strings.NewReader(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()

	err := h.SetEnabled(e.NewContext(req, rec))
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestHandler_Run(t *testing.T) {
	sw := &fakeSweeper{replies: []sweepReply{{res: &backend.AutoCancelResult{
		CancelledCount:        1,
		CancelledAppointments: []backend.CancelledAppointment{{ID: 4, PatientName: "Bo", DoctorName: "Dr. C", AppointmentDate: "2026-10-13", TimeSlot: "08:00-08:30"}},
	}}}}
	h, _, e := newTestHandler(t, sw)
	req := httptest.NewRequest(http.MethodPost, "/run", nil)
	rec := httptest.NewRecorder()

	if err := h.Run(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var res backend.AutoCancelResult
	json.Unmarshal(rec.Body.Bytes(), &res)
	if res.CancelledCount != 1 || res.CancelledAppointments[0].PatientName != "Bo" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestHandler_Run_Failure(t *testing.T) {
	sw := &fakeSweeper{replies: []sweepReply{{err: errors.New("sweep endpoint down")}}}
	h, _, e := newTestHandler(t, sw)
	req := httptest.NewRequest(http.MethodPost, "/run", nil)
	rec := httptest.NewRecorder()

	if err := h.Run(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "sweep endpoint down") {
		t.Errorf("expected the error message, got %s", rec.Body.String())
	}
}
