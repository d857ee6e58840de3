package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/clinic/frontdesk/internal/platform/backend"
	"github.com/clinic/frontdesk/internal/platform/notification"
	"github.com/clinic/frontdesk/internal/platform/session"
)

const noticeSource = "booking"

// Patient holds the identity fields typed into the booking form.
type Patient struct {
	Name    string `json:"name"`
	DOB     string `json:"dob"`
	Phone   string `json:"phone"`
	Email   string `json:"email,omitempty"`
	Gender  string `json:"gender"`
	Address string `json:"address"`
}

func (p Patient) trimmed() Patient {
	return Patient{
		Name:    strings.TrimSpace(p.Name),
		DOB:     strings.TrimSpace(p.DOB),
		Phone:   strings.TrimSpace(p.Phone),
		Email:   strings.TrimSpace(p.Email),
		Gender:  strings.TrimSpace(p.Gender),
		Address: strings.TrimSpace(p.Address),
	}
}

// Submit books the appointment described by the current selection. The
// checks run in order and each one fails without any network call:
// authentication (ErrAuthRequired), concurrent submission
// (ErrSubmitInProgress), required fields (*ValidationError), then the
// derived schedule (ErrScheduleLoading, ErrScheduleLookupFailed,
// ErrNoSchedule).
//
// Exactly one create-appointment call is made. On success the selection is
// reset. A rejection is returned as a *RemoteError carrying the backend's
// message; the chosen time slot is cleared and the free slots re-queried.
func (c *Coordinator) Submit(ctx context.Context, p Patient, reason string) (*backend.Appointment, error) {
	identity, err := session.Resolve(c.tokens)
	if err != nil {
		if errors.Is(err, session.ErrNotAuthenticated) {
			return nil, ErrAuthRequired
		}
		return nil, fmt.Errorf("resolve session: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.submitting {
		c.mu.Unlock()
		return nil, ErrSubmitInProgress
	}
	req, err := c.assembleLocked(identity, p.trimmed(), strings.TrimSpace(reason))
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.submitting = true
	c.mu.Unlock()

	appt, err := c.backend.CreateAppointment(ctx, req)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitting = false

	if err != nil {
		rerr := &RemoteError{Message: err.Error(), Err: err}
		if apiErr, ok := backend.AsAPIError(err); ok {
			rerr.StatusCode = apiErr.StatusCode
			if !c.closed {
				c.sel.SetTimeSlot("")
				c.invalidateLocked(LookupSlots)
				c.refreshLocked()
			}
		}
		c.logger.Warn().Err(err).
			Int("doctor_id", req.DoctorID).
			Str("appointment_date", req.AppointmentDate).
			Str("time_slot", req.TimeSlot).
			Msg("appointment rejected")
		notification.Error(c.notifier, noticeSource, "%s", rerr.Message)
		return nil, rerr
	}

	if !c.closed {
		c.invalidateLocked(LookupDoctors, LookupSchedule, LookupSlots)
		c.sel.Reset()
	}
	c.logger.Info().
		Int("appointment_id", appt.ID).
		Int64("patient_id", req.PatientID).
		Int("doctor_id", req.DoctorID).
		Str("appointment_date", req.AppointmentDate).
		Msg("appointment booked")
	notification.Success(c.notifier, noticeSource, "Appointment booked for %s at %s", req.AppointmentDate, req.TimeSlot)
	return appt, nil
}

// assembleLocked validates the form and builds the create request.
func (c *Coordinator) assembleLocked(id *session.Identity, p Patient, reason string) (backend.AppointmentRequest, error) {
	required := []struct {
		field   string
		present bool
	}{
		{"name", p.Name != ""},
		{"dob", p.DOB != ""},
		{"phone", p.Phone != ""},
		{"gender", p.Gender != ""},
		{"address", p.Address != ""},
	}
	for _, r := range required {
		if !r.present {
			return backend.AppointmentRequest{}, &ValidationError{Field: r.field}
		}
	}

	deptID, ok := c.sel.Department()
	if !ok {
		return backend.AppointmentRequest{}, &ValidationError{Field: "department_id"}
	}
	docID, ok := c.sel.Doctor()
	if !ok {
		return backend.AppointmentRequest{}, &ValidationError{Field: "doctor_id"}
	}
	date, ok := c.sel.Date()
	if !ok {
		return backend.AppointmentRequest{}, &ValidationError{Field: "appointment_date"}
	}
	slot, ok := c.sel.TimeSlot()
	if !ok {
		return backend.AppointmentRequest{}, &ValidationError{Field: "time_slot"}
	}

	schedID, ok := c.sel.ScheduleID()
	if !ok {
		l := c.lookups[LookupSchedule]
		if l.loading {
			return backend.AppointmentRequest{}, ErrScheduleLoading
		}
		if l.err != "" {
			return backend.AppointmentRequest{}, fmt.Errorf("%w: %s", ErrScheduleLookupFailed, l.err)
		}
		return backend.AppointmentRequest{}, ErrNoSchedule
	}

	return backend.AppointmentRequest{
		PatientID:       id.PatientID,
		Name:            p.Name,
		DOB:             p.DOB,
		Phone:           p.Phone,
		Email:           p.Email,
		Gender:          p.Gender,
		Address:         p.Address,
		DepartmentID:    deptID,
		DoctorID:        docID,
		ScheduleID:      schedID,
		AppointmentDate: date.Format(backend.DateLayout),
		TimeSlot:        slot,
		Reason:          reason,
	}, nil
}
