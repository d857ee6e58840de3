package booking

import (
	"time"

	"github.com/clinic/frontdesk/internal/platform/backend"
)

// Selection is the state of one booking form. Changing an upstream field
// clears everything downstream of it:
//
//	department ─┐
//	            ├─> doctor ─> schedule, time slot
//	date ───────┘
//
// The schedule id is never set directly. It is derived from the records of
// the latest schedule lookup.
type Selection struct {
	departmentID *int
	date         *time.Time
	doctorID     *int
	timeSlot     *string
	schedules    []backend.Schedule
}

// SelectionSnapshot is the JSON form of a Selection.
type SelectionSnapshot struct {
	DepartmentID    *int    `json:"department_id"`
	AppointmentDate *string `json:"appointment_date"`
	DoctorID        *int    `json:"doctor_id"`
	ScheduleID      *int    `json:"schedule_id"`
	TimeSlot        *string `json:"time_slot"`
}

// civilDate drops the clock part of t, keeping its calendar day.
func civilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// -- Setters --

// SetDepartment sets the department and clears doctor, schedule and slot.
func (s *Selection) SetDepartment(id int) {
	s.departmentID = &id
	s.clearDoctor()
}

// SetDate sets the appointment date and clears doctor, schedule and slot.
// A date before the calendar day of now is rejected with ErrPastDate and
// leaves the selection untouched.
func (s *Selection) SetDate(date, now time.Time) error {
	day := civilDate(date)
	if day.Before(civilDate(now)) {
		return ErrPastDate
	}
	s.date = &day
	s.clearDoctor()
	return nil
}

// SetDoctor sets the doctor and clears schedule and slot. A doctor can only
// be chosen once department and date are known.
func (s *Selection) SetDoctor(id int) error {
	if s.departmentID == nil || s.date == nil {
		return ErrDoctorContext
	}
	s.doctorID = &id
	s.clearSchedule()
	return nil
}

// SetTimeSlot sets the time slot. An empty slot clears it.
func (s *Selection) SetTimeSlot(slot string) {
	if slot == "" {
		s.timeSlot = nil
		return
	}
	s.timeSlot = &slot
}

// AdoptSchedule records the result of a schedule lookup. The first record
// becomes the active schedule; an empty list leaves none.
func (s *Selection) AdoptSchedule(records []backend.Schedule) {
	s.schedules = append([]backend.Schedule(nil), records...)
}

// ClearSchedule forgets the adopted schedule records.
func (s *Selection) ClearSchedule() {
	s.schedules = nil
}

// Reset empties the selection.
func (s *Selection) Reset() {
	*s = Selection{}
}

func (s *Selection) clearDoctor() {
	s.doctorID = nil
	s.clearSchedule()
}

func (s *Selection) clearSchedule() {
	s.schedules = nil
	s.timeSlot = nil
}

// -- Accessors --

func (s *Selection) Department() (int, bool) {
	if s.departmentID == nil {
		return 0, false
	}
	return *s.departmentID, true
}

func (s *Selection) Date() (time.Time, bool) {
	if s.date == nil {
		return time.Time{}, false
	}
	return *s.date, true
}

func (s *Selection) Doctor() (int, bool) {
	if s.doctorID == nil {
		return 0, false
	}
	return *s.doctorID, true
}

func (s *Selection) TimeSlot() (string, bool) {
	if s.timeSlot == nil {
		return "", false
	}
	return *s.timeSlot, true
}

// ScheduleID is the id of the first adopted schedule record.
func (s *Selection) ScheduleID() (int, bool) {
	if len(s.schedules) == 0 {
		return 0, false
	}
	return s.schedules[0].ID, true
}

// Schedules returns a copy of the adopted schedule records.
func (s *Selection) Schedules() []backend.Schedule {
	return append([]backend.Schedule{}, s.schedules...)
}

// -- Gating --

// DoctorLookupEligible reports whether doctors can be listed.
func (s *Selection) DoctorLookupEligible() bool {
	return s.departmentID != nil && s.date != nil
}

// ScheduleLookupEligible reports whether the doctor's schedule can be looked up.
func (s *Selection) ScheduleLookupEligible() bool {
	return s.doctorID != nil && s.date != nil
}

// SlotLookupEligible reports whether available time slots can be listed.
func (s *Selection) SlotLookupEligible() bool {
	return s.doctorID != nil && s.date != nil
}

// Snapshot returns a copy of the selection suitable for rendering.
func (s *Selection) Snapshot() SelectionSnapshot {
	var snap SelectionSnapshot
	if id, ok := s.Department(); ok {
		snap.DepartmentID = &id
	}
	if d, ok := s.Date(); ok {
		str := d.Format(backend.DateLayout)
		snap.AppointmentDate = &str
	}
	if id, ok := s.Doctor(); ok {
		snap.DoctorID = &id
	}
	if id, ok := s.ScheduleID(); ok {
		snap.ScheduleID = &id
	}
	if slot, ok := s.TimeSlot(); ok {
		snap.TimeSlot = &slot
	}
	return snap
}
