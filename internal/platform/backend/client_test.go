package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/clinic/frontdesk/internal/platform/session"
)

// ---------- Helper ----------

type recordedRequest struct {
	method string
	path   string
	query  map[string]string
	auth   string
	rid    string
	body   []byte
}

type recorder struct {
	mu   sync.Mutex
	reqs []recordedRequest
}

func (r *recorder) add(req recordedRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
}

func (r *recorder) all() []recordedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedRequest(nil), r.reqs...)
}

func newTestServer(t *testing.T, status int, response interface{}) (*httptest.Server, *recorder) {
	t.Helper()
	seen := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := map[string]string{}
		for k := range r.URL.Query() {
			q[k] = r.URL.Query().Get(k)
		}
		body, _ := io.ReadAll(r.Body)
		seen.add(recordedRequest{
			method: r.Method,
			path:   r.URL.Path,
			query:  q,
			auth:   r.Header.Get("Authorization"),
			rid:    r.Header.Get(RequestIDHeader),
			body:   body,
		})
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		switch v := response.(type) {
		case string:
			w.Write([]byte(v))
		case nil:
		default:
			json.NewEncoder(w).Encode(v)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, seen
}

var testDate = time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC)

// ---------- Lookups ----------

func TestClient_ListDepartments(t *testing.T) {
	srv, seen := newTestServer(t, http.StatusOK, []Department{
		{ID: 1, Name: "Cardiology", DoctorCount: 3},
		{ID: 2, Name: "Dermatology", DoctorCount: 1},
	})
	c := New(srv.URL, WithTokenSource(session.Static("tok")))

	deps, err := c.ListDepartments(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(deps) != 2 || deps[0].Name != "Cardiology" || deps[0].DoctorCount != 3 {
		t.Errorf("unexpected departments: %+v", deps)
	}
	req := seen.all()[0]
	if req.method != http.MethodGet || req.path != "/departments" {
		t.Errorf("unexpected request %s %s", req.method, req.path)
	}
	if req.auth != "Bearer tok" {
		t.Errorf("expected bearer header, got %q", req.auth)
	}
	if req.rid == "" {
		t.Error("expected X-Request-ID header")
	}
}

func TestClient_ListDoctors_Query(t *testing.T) {
	srv, seen := newTestServer(t, http.StatusOK, []Doctor{{ID: 7, FullName: "Dr. House"}})
	c := New(srv.URL)

	docs, err := c.ListDoctors(context.Background(), 3, testDate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(docs) != 1 || docs[0].FullName != "Dr. House" {
		t.Errorf("unexpected doctors: %+v", docs)
	}
	req := seen.all()[0]
	if req.path != "/doctors" {
		t.Errorf("expected /doctors, got %s", req.path)
	}
	if req.query["department_id"] != "3" || req.query["date"] != "2026-10-20" {
		t.Errorf("unexpected query: %v", req.query)
	}
	if req.auth != "" {
		t.Errorf("expected no Authorization header without a token source, got %q", req.auth)
	}
}

func TestClient_ListSchedules_Query(t *testing.T) {
	srv, seen := newTestServer(t, http.StatusOK, []Schedule{{ID: 11, Date: "2026-10-20"}, {ID: 12, Date: "2026-10-20"}})
	c := New(srv.URL)

	scheds, err := c.ListSchedules(context.Background(), 7, testDate, testDate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(scheds) != 2 || scheds[0].ID != 11 {
		t.Errorf("unexpected schedules: %+v", scheds)
	}
	q := seen.all()[0].query
	if q["doctor_id"] != "7" || q["start_date"] != "2026-10-20" || q["end_date"] != "2026-10-20" {
		t.Errorf("unexpected query: %v", q)
	}
}

func TestClient_ListAvailableSlots(t *testing.T) {
	srv, seen := newTestServer(t, http.StatusOK, []string{"09:00-09:30", "09:30-10:00"})
	c := New(srv.URL)

	slots, err := c.ListAvailableSlots(context.Background(), 7, testDate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(slots) != 2 || slots[1] != "09:30-10:00" {
		t.Errorf("unexpected slots: %v", slots)
	}
	req := seen.all()[0]
	if req.path != "/appointments/available-slots" {
		t.Errorf("unexpected path %s", req.path)
	}
	if req.query["appointment_date"] != "2026-10-20" {
		t.Errorf("unexpected query: %v", req.query)
	}
}

func TestClient_UnauthenticatedSourceSendsNoHeader(t *testing.T) {
	srv, seen := newTestServer(t, http.StatusOK, []Department{})
	c := New(srv.URL, WithTokenSource(session.Static("")))

	if _, err := c.ListDepartments(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen.all()[0].auth != "" {
		t.Errorf("expected no Authorization header, got %q", seen.all()[0].auth)
	}
}

// ---------- Writes ----------

func TestClient_CreateAppointment(t *testing.T) {
	srv, seen := newTestServer(t, http.StatusCreated, Appointment{ID: 99, Status: "pending", TimeSlot: "09:00-09:30"})
	c := New(srv.URL, WithTokenSource(session.Static("tok")))

	appt, err := c.CreateAppointment(context.Background(), AppointmentRequest{
		PatientID: 5, Name: "Jane", DepartmentID: 1, DoctorID: 7, ScheduleID: 11,
		AppointmentDate: "2026-10-20", TimeSlot: "09:00-09:30",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if appt.ID != 99 {
		t.Errorf("expected id 99, got %d", appt.ID)
	}

	req := seen.all()[0]
	if req.method != http.MethodPost || req.path != "/appointments" {
		t.Errorf("unexpected request %s %s", req.method, req.path)
	}
	var sent AppointmentRequest
	if err := json.Unmarshal(req.body, &sent); err != nil {
		t.Fatalf("decode sent body: %v", err)
	}
	if sent.ScheduleID != 11 || sent.PatientID != 5 {
		t.Errorf("unexpected payload: %+v", sent)
	}
}

func TestClient_CreateAppointment_ConflictMessageVerbatim(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusConflict, map[string]string{"message": "Time slot 09:00-09:30 is already booked"})
	c := New(srv.URL)

	_, err := c.CreateAppointment(context.Background(), AppointmentRequest{})
	apiErr, ok := AsAPIError(err)
	if !ok {
		t.Fatalf("expected *APIError, got %T (%v)", err, err)
	}
	if !apiErr.IsConflict() {
		t.Errorf("expected conflict, got status %d", apiErr.StatusCode)
	}
	if apiErr.Error() != "Time slot 09:00-09:30 is already booked" {
		t.Errorf("expected server message verbatim, got %q", apiErr.Error())
	}
}

func TestClient_RunAutoCancel(t *testing.T) {
	srv, seen := newTestServer(t, http.StatusOK, `{"cancelledCount":1,"cancelledAppointments":[{"id":3,"patient_name":"Ann","doctor_name":"Dr. B","appointment_date":"2026-10-13","time_slot":"10:00-10:30"}]}`)
	c := New(srv.URL)

	res, err := c.RunAutoCancel(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.CancelledCount != 1 || len(res.CancelledAppointments) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.CancelledAppointments[0].PatientName != "Ann" {
		t.Errorf("unexpected patient name %q", res.CancelledAppointments[0].PatientName)
	}
	if seen.all()[0].method != http.MethodPost || seen.all()[0].path != "/appointments/auto-cancel/run" {
		t.Errorf("unexpected request %s %s", seen.all()[0].method, seen.all()[0].path)
	}
}

func TestClient_RunAutoCancel_EmptyList(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusOK, `{"cancelledCount":0}`)
	c := New(srv.URL)

	res, err := c.RunAutoCancel(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.CancelledAppointments == nil {
		t.Error("expected empty, non-nil list")
	}
}

// ---------- Errors ----------

func TestNewAPIError(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"message field", `{"message":"Doctor not found"}`, "Doctor not found"},
		{"error field", `{"error":"invalid date"}`, "invalid date"},
		{"errors list", `{"errors":["a","b"]}`, "a; b"},
		{"plain text", `upstream unavailable`, "upstream unavailable"},
		{"empty body", ``, "backend returned status 500"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := newAPIError(http.StatusInternalServerError, []byte(tt.body))
			if err.Error() != tt.want {
				t.Errorf("Error() = %q, want %q", err.Error(), tt.want)
			}
		})
	}
}

func TestClient_TokenSourceFailure(t *testing.T) {
	srv, seen := newTestServer(t, http.StatusOK, []Department{})
	c := New(srv.URL, WithTokenSource(brokenSource{}))

	_, err := c.ListDepartments(context.Background())
	if err == nil {
		t.Fatal("expected error from broken token source")
	}
	if len(seen.all()) != 0 {
		t.Error("expected no request to be sent")
	}
}

type brokenSource struct{}

func (brokenSource) Token() (string, error) { return "", errors.New("keyring locked") }

func TestClient_ContextCancelled(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusOK, []Department{})
	c := New(srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.ListDepartments(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestClient_WithTokens_SharesTransport(t *testing.T) {
	base := New("http://backend.local", WithRateLimit(5, 5))
	derived := base.WithTokens(session.Static("x"))

	if derived.httpClient != base.httpClient {
		t.Error("expected shared http client")
	}
	if derived.limiter != base.limiter {
		t.Error("expected shared limiter")
	}
	if base.Tokens() != nil {
		t.Error("expected base client to keep its token source")
	}
}

func TestClient_TimeoutOptions(t *testing.T) {
	if c := New("http://backend.local"); c.httpClient.Timeout != defaultTimeout {
		t.Errorf("expected default timeout %s, got %s", defaultTimeout, c.httpClient.Timeout)
	}
	if c := New("http://backend.local", WithTimeout(3*time.Second)); c.httpClient.Timeout != 3*time.Second {
		t.Errorf("expected 3s timeout, got %s", c.httpClient.Timeout)
	}

	// a caller-supplied client is never modified, whatever the option order
	for _, order := range []string{"client-first", "timeout-first"} {
		shared := &http.Client{Timeout: time.Minute}
		opts := []Option{WithHTTPClient(shared), WithTimeout(time.Second)}
		if order == "timeout-first" {
			opts[0], opts[1] = opts[1], opts[0]
		}
		c := New("http://backend.local", opts...)
		if c.httpClient != shared {
			t.Errorf("%s: expected the supplied client to be used", order)
		}
		if shared.Timeout != time.Minute {
			t.Errorf("%s: shared client timeout changed to %s", order, shared.Timeout)
		}
	}
}
