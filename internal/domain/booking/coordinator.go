// Package booking coordinates one appointment-booking form: the selection
// state, the chain of dependent lookups that fills its dropdowns, and the
// final create-appointment call.
package booking

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinic/frontdesk/internal/platform/backend"
	"github.com/clinic/frontdesk/internal/platform/notification"
	"github.com/clinic/frontdesk/internal/platform/session"
)

// Backend is the part of the clinic backend a booking form talks to.
type Backend interface {
	ListDepartments(ctx context.Context) ([]backend.Department, error)
	ListDoctors(ctx context.Context, departmentID int, date time.Time) ([]backend.Doctor, error)
	ListSchedules(ctx context.Context, doctorID int, start, end time.Time) ([]backend.Schedule, error)
	ListAvailableSlots(ctx context.Context, doctorID int, date time.Time) ([]string, error)
	CreateAppointment(ctx context.Context, req backend.AppointmentRequest) (*backend.Appointment, error)
}

// Lookup names one of the dependent queries.
type Lookup int

const (
	LookupDepartments Lookup = iota
	LookupDoctors
	LookupSchedule
	LookupSlots
	numLookups
)

func (l Lookup) String() string {
	switch l {
	case LookupDepartments:
		return "departments"
	case LookupDoctors:
		return "doctors"
	case LookupSchedule:
		return "schedule"
	case LookupSlots:
		return "time_slots"
	}
	return "unknown"
}

// lookupState tracks the latest request of one lookup. A response is applied
// only while gen still equals the generation it was issued under.
type lookupState struct {
	gen     uint64
	cancel  context.CancelFunc
	loading bool
	loaded  bool
	err     string
}

// LookupStatus is the rendering state of one lookup.
type LookupStatus struct {
	Loading bool   `json:"loading"`
	Error   string `json:"error,omitempty"`
}

// View is an immutable snapshot of a booking form.
type View struct {
	Selection   SelectionSnapshot       `json:"selection"`
	Departments []backend.Department    `json:"departments"`
	Doctors     []backend.Doctor        `json:"doctors"`
	Schedules   []backend.Schedule      `json:"schedules"`
	TimeSlots   []string                `json:"time_slots"`
	Lookups     map[string]LookupStatus `json:"lookups"`
	Submitting  bool                    `json:"submitting"`
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithNotifier sets where success and error notices go.
func WithNotifier(n notification.Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

// WithClock overrides the clock used to reject past dates.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator owns the Selection of one form session and runs its lookups
// in the background. All methods are safe for concurrent use.
type Coordinator struct {
	backend  Backend
	tokens   session.TokenSource
	logger   zerolog.Logger
	notifier notification.Notifier
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	sel         Selection
	lookups     [numLookups]lookupState
	departments []backend.Department
	doctors     []backend.Doctor
	slots       []string
	submitting  bool
	closed      bool
	inflight    int
	idle        chan struct{}
}

// NewCoordinator creates a Coordinator. tokens identifies the patient at
// submission time; lookups do not need it.
func NewCoordinator(be Backend, tokens session.TokenSource, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)
	c := &Coordinator{
		backend:  be,
		tokens:   tokens,
		logger:   zerolog.Nop(),
		notifier: notification.Nop{},
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		idle:     idle,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start issues the department lookup. Calling it again reloads departments.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.issueDepartmentsLocked()
	return nil
}

// ---------------------------------------------------------------------------
// Setters
// ---------------------------------------------------------------------------

// SetDepartment selects a department. Doctors, schedule and slots are
// invalidated and doctors are re-queried when a date is set.
func (c *Coordinator) SetDepartment(id int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.sel.SetDepartment(id)
	c.invalidateLocked(LookupDoctors, LookupSchedule, LookupSlots)
	c.refreshLocked()
	return nil
}

// SetDate selects the appointment date. Past dates are rejected with
// ErrPastDate and change nothing.
func (c *Coordinator) SetDate(date time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if err := c.sel.SetDate(date, c.now()); err != nil {
		return err
	}
	c.invalidateLocked(LookupDoctors, LookupSchedule, LookupSlots)
	c.refreshLocked()
	return nil
}

// SetDoctor selects a doctor and queries the doctor's schedule and free slots.
func (c *Coordinator) SetDoctor(id int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if err := c.sel.SetDoctor(id); err != nil {
		return err
	}
	c.invalidateLocked(LookupSchedule, LookupSlots)
	c.refreshLocked()
	return nil
}

// SetTimeSlot selects a time slot. Once the slot lookup has answered, the
// slot must be one of the returned slots.
func (c *Coordinator) SetTimeSlot(slot string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if slot != "" && c.lookups[LookupSlots].loaded && !contains(c.slots, slot) {
		return ErrSlotUnavailable
	}
	c.sel.SetTimeSlot(slot)
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Lookups
// ---------------------------------------------------------------------------

// invalidateLocked supersedes the in-flight requests of kinds and drops
// their options.
func (c *Coordinator) invalidateLocked(kinds ...Lookup) {
	for _, k := range kinds {
		l := &c.lookups[k]
		l.gen++
		if l.cancel != nil {
			l.cancel()
			l.cancel = nil
		}
		if l.loading {
			l.loading = false
			c.doneLocked()
		}
		l.loaded = false
		l.err = ""

		switch k {
		case LookupDepartments:
			c.departments = nil
		case LookupDoctors:
			c.doctors = nil
		case LookupSchedule:
			c.sel.ClearSchedule()
		case LookupSlots:
			c.slots = nil
		}
	}
}

// refreshLocked issues every dependent lookup the selection is eligible for
// that has no current request.
func (c *Coordinator) refreshLocked() {
	if c.sel.DoctorLookupEligible() && c.idleLocked(LookupDoctors) {
		deptID, _ := c.sel.Department()
		date, _ := c.sel.Date()
		c.startLocked(LookupDoctors, func(ctx context.Context) (func(), error) {
			docs, err := c.backend.ListDoctors(ctx, deptID, date)
			return func() { c.doctors = docs }, err
		})
	}
	if c.sel.ScheduleLookupEligible() && c.idleLocked(LookupSchedule) {
		docID, _ := c.sel.Doctor()
		date, _ := c.sel.Date()
		c.startLocked(LookupSchedule, func(ctx context.Context) (func(), error) {
			recs, err := c.backend.ListSchedules(ctx, docID, date, date)
			return func() { c.sel.AdoptSchedule(recs) }, err
		})
	}
	if c.sel.SlotLookupEligible() && c.idleLocked(LookupSlots) {
		docID, _ := c.sel.Doctor()
		date, _ := c.sel.Date()
		c.startLocked(LookupSlots, func(ctx context.Context) (func(), error) {
			slots, err := c.backend.ListAvailableSlots(ctx, docID, date)
			return func() { c.slots = slots }, err
		})
	}
}

func (c *Coordinator) idleLocked(k Lookup) bool {
	l := c.lookups[k]
	return !l.loading && !l.loaded && l.err == ""
}

func (c *Coordinator) issueDepartmentsLocked() {
	c.invalidateLocked(LookupDepartments)
	c.startLocked(LookupDepartments, func(ctx context.Context) (func(), error) {
		deps, err := c.backend.ListDepartments(ctx)
		return func() { c.departments = deps }, err
	})
}

// startLocked runs fetch in the background under a fresh generation of k.
// fetch returns the state update to apply if the response is still current.
func (c *Coordinator) startLocked(k Lookup, fetch func(ctx context.Context) (func(), error)) {
	l := &c.lookups[k]
	l.gen++
	gen := l.gen
	if l.cancel != nil {
		l.cancel()
	}
	ctx, cancel := context.WithCancel(c.ctx)
	l.cancel = cancel
	if !l.loading {
		l.loading = true
		c.beginLocked()
	}
	l.loaded = false
	l.err = ""

	go func() {
		defer cancel()
		apply, err := fetch(ctx)

		c.mu.Lock()
		defer c.mu.Unlock()
		if l.gen != gen {
			c.logger.Debug().Str("lookup", k.String()).Msg("discarding stale lookup response")
			return
		}
		l.cancel = nil
		l.loading = false
		c.doneLocked()
		if err != nil {
			c.logger.Warn().Err(err).Str("lookup", k.String()).Msg("lookup failed")
			l.err = lookupMessage(k, err)
			return
		}
		l.loaded = true
		apply()
	}()
}

func lookupMessage(k Lookup, err error) string {
	if apiErr, ok := backend.AsAPIError(err); ok {
		return apiErr.Error()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "could not load " + k.String() + ": request timed out"
	}
	return "could not load " + k.String() + ": " + err.Error()
}

func (c *Coordinator) beginLocked() {
	if c.inflight == 0 {
		c.idle = make(chan struct{})
	}
	c.inflight++
}

func (c *Coordinator) doneLocked() {
	c.inflight--
	if c.inflight == 0 {
		close(c.idle)
	}
}

// Wait blocks until no lookup is in flight or ctx is done.
func (c *Coordinator) Wait(ctx context.Context) error {
	c.mu.Lock()
	idle := c.idle
	c.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ---------------------------------------------------------------------------
// View
// ---------------------------------------------------------------------------

// View returns a snapshot of the form.
func (c *Coordinator) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := View{
		Selection:   c.sel.Snapshot(),
		Departments: append([]backend.Department{}, c.departments...),
		Doctors:     append([]backend.Doctor{}, c.doctors...),
		Schedules:   c.sel.Schedules(),
		TimeSlots:   append([]string{}, c.slots...),
		Lookups:     make(map[string]LookupStatus, numLookups),
		Submitting:  c.submitting,
	}
	for k := LookupDepartments; k < numLookups; k++ {
		l := c.lookups[k]
		v.Lookups[k.String()] = LookupStatus{Loading: l.loading, Error: l.err}
	}
	return v
}

// Close cancels every in-flight lookup. Further setters return ErrClosed.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.invalidateLocked(LookupDepartments, LookupDoctors, LookupSchedule, LookupSlots)
	c.cancel()
}
