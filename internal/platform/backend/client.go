// Package backend is the typed client of the clinic REST backend. It covers
// the lookups the booking form needs, appointment creation and the
// overdue-appointment sweep; every request carries the session's bearer
// token when one is available.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/clinic/frontdesk/internal/platform/session"
)

const (
	pathDepartments    = "/departments"
	pathDoctors        = "/doctors"
	pathSchedules      = "/schedules"
	pathAvailableSlots = "/appointments/available-slots"
	pathAppointments   = "/appointments"
	pathAutoCancelRun  = "/appointments/auto-cancel/run"

	// RequestIDHeader correlates backend logs with ours.
	RequestIDHeader = "X-Request-ID"

	maxResponseBytes = 1 << 20
	defaultTimeout   = 10 * time.Second
)

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client. The client is used as
// given; WithTimeout does not modify it.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.timeout = d }
}

// WithTokenSource sets where bearer tokens come from.
func WithTokenSource(src session.TokenSource) Option {
	return func(cl *Client) { cl.tokens = src }
}

// WithRateLimit bounds the outbound request rate.
func WithRateLimit(rps float64, burst int) Option {
	return func(cl *Client) { cl.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithLogger sets the logger used for request tracing.
func WithLogger(l zerolog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// Client talks to the clinic backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	tokens     session.TokenSource
	limiter    *rate.Limiter
	logger     zerolog.Logger
}

// New creates a Client for baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		timeout: defaultTimeout,
		limiter: rate.NewLimiter(rate.Inf, 0),
		logger:  zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.timeout}
	}
	return c
}

// WithTokens returns a copy of c that authenticates with src. The copy
// shares the HTTP client and the rate limiter.
func (c *Client) WithTokens(src session.TokenSource) *Client {
	cp := *c
	cp.tokens = src
	return &cp
}

// Tokens returns the client's token source.
func (c *Client) Tokens() session.TokenSource {
	return c.tokens
}

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

// ListDepartments returns every department.
func (c *Client) ListDepartments(ctx context.Context) ([]Department, error) {
	var out []Department
	if err := c.do(ctx, http.MethodGet, pathDepartments, nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListDoctors returns the doctors of a department working on date.
func (c *Client) ListDoctors(ctx context.Context, departmentID int, date time.Time) ([]Doctor, error) {
	q := url.Values{}
	q.Set("department_id", strconv.Itoa(departmentID))
	q.Set("date", date.Format(DateLayout))

	var out []Doctor
	if err := c.do(ctx, http.MethodGet, pathDoctors, q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListSchedules returns a doctor's schedules between start and end inclusive.
func (c *Client) ListSchedules(ctx context.Context, doctorID int, start, end time.Time) ([]Schedule, error) {
	q := url.Values{}
	q.Set("doctor_id", strconv.Itoa(doctorID))
	q.Set("start_date", start.Format(DateLayout))
	q.Set("end_date", end.Format(DateLayout))

	var out []Schedule
	if err := c.do(ctx, http.MethodGet, pathSchedules, q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListAvailableSlots returns the bookable time slots of a doctor on date.
func (c *Client) ListAvailableSlots(ctx context.Context, doctorID int, date time.Time) ([]string, error) {
	q := url.Values{}
	q.Set("doctor_id", strconv.Itoa(doctorID))
	q.Set("appointment_date", date.Format(DateLayout))

	var out []string
	if err := c.do(ctx, http.MethodGet, pathAvailableSlots, q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateAppointment books an appointment.
func (c *Client) CreateAppointment(ctx context.Context, req AppointmentRequest) (*Appointment, error) {
	var out Appointment
	if err := c.do(ctx, http.MethodPost, pathAppointments, nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RunAutoCancel triggers the server-side sweep of overdue appointments.
func (c *Client) RunAutoCancel(ctx context.Context) (*AutoCancelResult, error) {
	var out AutoCancelResult
	if err := c.do(ctx, http.MethodPost, pathAutoCancelRun, nil, nil, &out); err != nil {
		return nil, err
	}
	if out.CancelledAppointments == nil {
		out.CancelledAppointments = []CancelledAppointment{}
	}
	return &out, nil
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rid := uuid.New().String()
	req.Header.Set(RequestIDHeader, rid)

	if c.tokens != nil {
		tok, err := c.tokens.Token()
		switch {
		case err == nil:
			req.Header.Set("Authorization", "Bearer "+tok)
		case errors.Is(err, session.ErrNotAuthenticated):
			// lookups are allowed without a session
		default:
			return fmt.Errorf("resolve token: %w", err)
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug().Err(err).Str("request_id", rid).Str("method", method).Str("path", path).Msg("backend request failed")
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}

	c.logger.Debug().
		Str("request_id", rid).
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("backend request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newAPIError(resp.StatusCode, data)
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
