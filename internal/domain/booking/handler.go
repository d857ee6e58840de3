package booking

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinic/frontdesk/internal/platform/backend"
	"github.com/clinic/frontdesk/internal/platform/notification"
	"github.com/clinic/frontdesk/internal/platform/session"
)

const (
	defaultIdleTTL = 30 * time.Minute
	maxWait        = 15 * time.Second
)

// BackendFactory returns the backend a form session talks to, authenticated
// with tokens.
type BackendFactory func(tokens session.TokenSource) Backend

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithIdleTTL sets how long an untouched form session survives.
func WithIdleTTL(d time.Duration) HandlerOption {
	return func(h *Handler) { h.idleTTL = d }
}

// WithLoginURL sets where unauthenticated submissions are redirected.
func WithLoginURL(u string) HandlerOption {
	return func(h *Handler) { h.loginURL = u }
}

// WithHandlerLogger sets the logger of the handler and of its sessions.
func WithHandlerLogger(l zerolog.Logger) HandlerOption {
	return func(h *Handler) { h.logger = l }
}

// WithHandlerNotifier sets the notifier handed to every session.
func WithHandlerNotifier(n notification.Notifier) HandlerOption {
	return func(h *Handler) { h.notifier = n }
}

// WithHandlerClock overrides the clock of the handler and its sessions.
func WithHandlerClock(now func() time.Time) HandlerOption {
	return func(h *Handler) { h.now = now }
}

// requestTokens holds the latest bearer token a session's requests carried,
// so a patient who logs in after opening the form can still submit.
type requestTokens struct {
	mu  sync.RWMutex
	tok session.Static
}

func (t *requestTokens) Token() (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tok.Token()
}

func (t *requestTokens) update(header string) {
	if s := session.FromAuthorizationHeader(header); s != "" {
		t.mu.Lock()
		t.tok = s
		t.mu.Unlock()
	}
}

type formSession struct {
	coord    *Coordinator
	tokens   *requestTokens
	lastUsed time.Time
}

// Handler exposes booking form sessions over HTTP.
type Handler struct {
	newBackend BackendFactory
	loginURL   string
	idleTTL    time.Duration
	logger     zerolog.Logger
	notifier   notification.Notifier
	now        func() time.Time

	mu       sync.Mutex
	sessions map[string]*formSession
	done     chan struct{}
}

// NewHandler creates a Handler and starts the idle-session cleanup loop.
// Close stops it.
func NewHandler(factory BackendFactory, opts ...HandlerOption) *Handler {
	h := &Handler{
		newBackend: factory,
		loginURL:   "/login",
		idleTTL:    defaultIdleTTL,
		logger:     zerolog.Nop(),
		notifier:   notification.Nop{},
		now:        time.Now,
		sessions:   make(map[string]*formSession),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	go h.cleanupLoop()
	return h
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/booking")
	g.POST("/sessions", h.CreateSession)
	g.GET("/sessions/:id", h.GetSession)
	g.PUT("/sessions/:id/department", h.SetDepartment)
	g.PUT("/sessions/:id/date", h.SetDate)
	g.PUT("/sessions/:id/doctor", h.SetDoctor)
	g.PUT("/sessions/:id/time-slot", h.SetTimeSlot)
	g.POST("/sessions/:id/submit", h.Submit)
	g.DELETE("/sessions/:id", h.CloseSession)
}

type sessionResponse struct {
	ID string `json:"id"`
	View
}

// -- Session lifecycle --

func (h *Handler) CreateSession(c echo.Context) error {
	id := uuid.New().String()
	tokens := &requestTokens{}
	tokens.update(c.Request().Header.Get(echo.HeaderAuthorization))

	coord := NewCoordinator(h.newBackend(tokens), tokens,
		WithLogger(h.logger.With().Str("booking_session", id).Logger()),
		WithNotifier(h.notifier),
		WithClock(h.now),
	)
	if err := coord.Start(); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	h.mu.Lock()
	select {
	case <-h.done:
		h.mu.Unlock()
		coord.Close()
		return echo.NewHTTPError(http.StatusServiceUnavailable, "booking is shutting down")
	default:
	}
	h.sessions[id] = &formSession{coord: coord, tokens: tokens, lastUsed: h.now()}
	h.mu.Unlock()

	h.logger.Debug().Str("booking_session", id).Msg("booking session opened")
	return h.respond(c, http.StatusCreated, id, coord)
}

func (h *Handler) GetSession(c echo.Context) error {
	fs, err := h.lookup(c)
	if err != nil {
		return err
	}
	return h.respond(c, http.StatusOK, c.Param("id"), fs.coord)
}

func (h *Handler) CloseSession(c echo.Context) error {
	id := c.Param("id")
	h.mu.Lock()
	fs, ok := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "booking session not found")
	}
	fs.coord.Close()
	return c.NoContent(http.StatusNoContent)
}

// -- Setters --

type departmentRequest struct {
	DepartmentID *int `json:"department_id"`
}

func (h *Handler) SetDepartment(c echo.Context) error {
	fs, err := h.lookup(c)
	if err != nil {
		return err
	}
	var req departmentRequest
	if err := c.Bind(&req); err != nil || req.DepartmentID == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "department_id is required")
	}
	if err := fs.coord.SetDepartment(*req.DepartmentID); err != nil {
		return selectionError(err)
	}
	return h.respond(c, http.StatusOK, c.Param("id"), fs.coord)
}

type dateRequest struct {
	AppointmentDate string `json:"appointment_date"`
}

func (h *Handler) SetDate(c echo.Context) error {
	fs, err := h.lookup(c)
	if err != nil {
		return err
	}
	var req dateRequest
	if err := c.Bind(&req); err != nil || req.AppointmentDate == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "appointment_date is required")
	}
	date, err := time.Parse(backend.DateLayout, req.AppointmentDate)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "appointment_date must be YYYY-MM-DD")
	}
	if err := fs.coord.SetDate(date); err != nil {
		return selectionError(err)
	}
	return h.respond(c, http.StatusOK, c.Param("id"), fs.coord)
}

type doctorRequest struct {
	DoctorID *int `json:"doctor_id"`
}

func (h *Handler) SetDoctor(c echo.Context) error {
	fs, err := h.lookup(c)
	if err != nil {
		return err
	}
	var req doctorRequest
	if err := c.Bind(&req); err != nil || req.DoctorID == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "doctor_id is required")
	}
	if err := fs.coord.SetDoctor(*req.DoctorID); err != nil {
		return selectionError(err)
	}
	return h.respond(c, http.StatusOK, c.Param("id"), fs.coord)
}

type timeSlotRequest struct {
	TimeSlot string `json:"time_slot"`
}

func (h *Handler) SetTimeSlot(c echo.Context) error {
	fs, err := h.lookup(c)
	if err != nil {
		return err
	}
	var req timeSlotRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := fs.coord.SetTimeSlot(req.TimeSlot); err != nil {
		return selectionError(err)
	}
	return h.respond(c, http.StatusOK, c.Param("id"), fs.coord)
}

func selectionError(err error) error {
	switch {
	case errors.Is(err, ErrClosed):
		return echo.NewHTTPError(http.StatusNotFound, "booking session not found")
	case errors.Is(err, ErrPastDate), errors.Is(err, ErrDoctorContext), errors.Is(err, ErrSlotUnavailable):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// -- Submit --

type submitRequest struct {
	Patient
	Reason string `json:"reason"`
}

func (h *Handler) Submit(c echo.Context) error {
	fs, err := h.lookup(c)
	if err != nil {
		return err
	}
	var req submitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	appt, err := fs.coord.Submit(c.Request().Context(), req.Patient, req.Reason)
	if err == nil {
		return c.JSON(http.StatusCreated, appt)
	}

	var ve *ValidationError
	var re *RemoteError
	switch {
	case errors.Is(err, ErrAuthRequired):
		return c.Redirect(http.StatusFound, h.loginURL)
	case errors.As(err, &ve):
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{
			"error": ve.Error(),
			"code":  "validation",
			"field": ve.Field,
		})
	case errors.Is(err, ErrNoSchedule):
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{
			"error": err.Error(),
			"code":  "no_schedule",
		})
	case errors.Is(err, ErrScheduleLookupFailed):
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": err.Error(),
			"code":  "schedule_lookup_failed",
		})
	case errors.Is(err, ErrScheduleLoading):
		return c.JSON(http.StatusConflict, map[string]string{
			"error": err.Error(),
			"code":  "schedule_loading",
		})
	case errors.Is(err, ErrSubmitInProgress):
		return c.JSON(http.StatusConflict, map[string]string{
			"error": err.Error(),
			"code":  "submit_in_progress",
		})
	case errors.Is(err, ErrClosed):
		return echo.NewHTTPError(http.StatusNotFound, "booking session not found")
	case errors.As(err, &re):
		status := http.StatusBadGateway
		if apiErr, ok := backend.AsAPIError(re); ok && apiErr.IsClientError() {
			status = apiErr.StatusCode
		}
		return c.JSON(status, map[string]string{
			"error": re.Message,
			"code":  "rejected",
		})
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// -- Helpers --

func (h *Handler) lookup(c echo.Context) (*formSession, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fs, ok := h.sessions[c.Param("id")]
	if !ok {
		return nil, echo.NewHTTPError(http.StatusNotFound, "booking session not found")
	}
	fs.lastUsed = h.now()
	fs.tokens.update(c.Request().Header.Get(echo.HeaderAuthorization))
	return fs, nil
}

// respond writes the session view, first waiting for in-flight lookups when
// the request asks for it with ?wait=true.
func (h *Handler) respond(c echo.Context, status int, id string, coord *Coordinator) error {
	if c.QueryParam("wait") == "true" {
		ctx, cancel := context.WithTimeout(c.Request().Context(), maxWait)
		defer cancel()
		if err := coord.Wait(ctx); err != nil {
			return echo.NewHTTPError(http.StatusGatewayTimeout, "lookups still in progress")
		}
	}
	return c.JSON(status, sessionResponse{ID: id, View: coord.View()})
}

// Len returns the number of open sessions.
func (h *Handler) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Close stops the cleanup loop and closes every open session. It is safe to
// call more than once.
func (h *Handler) Close() {
	select {
	case <-h.done:
		return
	default:
		close(h.done)
	}

	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]*formSession)
	h.mu.Unlock()

	for _, fs := range sessions {
		fs.coord.Close()
	}
}

func (h *Handler) cleanupLoop() {
	interval := h.idleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.closeIdle()
		}
	}
}

// closeIdle closes the sessions untouched for longer than the idle TTL.
func (h *Handler) closeIdle() int {
	cutoff := h.now().Add(-h.idleTTL)

	h.mu.Lock()
	var idle []*formSession
	for id, fs := range h.sessions {
		if fs.lastUsed.Before(cutoff) {
			idle = append(idle, fs)
			delete(h.sessions, id)
		}
	}
	h.mu.Unlock()

	for _, fs := range idle {
		fs.coord.Close()
	}
	if len(idle) > 0 {
		h.logger.Info().Int("closed", len(idle)).Msg("closed idle booking sessions")
	}
	return len(idle)
}
