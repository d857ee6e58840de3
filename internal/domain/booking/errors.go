package booking

import (
	"errors"
	"fmt"
)

var (
	// ErrPastDate rejects appointment dates before today.
	ErrPastDate = errors.New("appointment date cannot be in the past")
	// ErrDoctorContext rejects a doctor chosen before department and date.
	ErrDoctorContext = errors.New("select a department and a date before choosing a doctor")
	// ErrSlotUnavailable rejects a time slot missing from the available slots.
	ErrSlotUnavailable = errors.New("time slot is not available")
	// ErrAuthRequired blocks a submission without a resolvable identity.
	ErrAuthRequired = errors.New("login required to book an appointment")
	// ErrNoSchedule blocks a submission when the doctor has no schedule on
	// the chosen date.
	ErrNoSchedule = errors.New("no schedule available for this doctor on this date")
	// ErrScheduleLookupFailed blocks a submission when the schedule lookup
	// failed, so whether the doctor works that day is unknown.
	ErrScheduleLookupFailed = errors.New("schedule lookup failed")
	// ErrScheduleLoading blocks a submission while the schedule lookup runs.
	ErrScheduleLoading = errors.New("schedule lookup still in progress")
	// ErrSubmitInProgress rejects a second concurrent submission.
	ErrSubmitInProgress = errors.New("a submission is already in progress")
	// ErrClosed is returned by a closed Coordinator.
	ErrClosed = errors.New("booking session closed")
)

// ValidationError names the first required field that is missing.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s is required", e.Field)
}

// RemoteError is a failed create-appointment call. Message is shown to the
// user as is.
type RemoteError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *RemoteError) Error() string {
	return e.Message
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
