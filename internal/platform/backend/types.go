package backend

// DateLayout is the wire format for calendar dates.
const DateLayout = "2006-01-02"

// Department is a clinical unit offering doctors.
type Department struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	DoctorCount int    `json:"doctor_count"`
}

// Doctor is a doctor working in a department on a given date.
type Doctor struct {
	ID       int    `json:"id"`
	FullName string `json:"full_name"`
}

// Schedule is a doctor's work-shift record for one date.
type Schedule struct {
	ID        int    `json:"id"`
	DoctorID  int    `json:"doctor_id,omitempty"`
	Date      string `json:"date"`
	StartTime string `json:"start_time,omitempty"`
	EndTime   string `json:"end_time,omitempty"`
	MaxSlots  int    `json:"max_appointments,omitempty"`
}

// AppointmentRequest is the create-appointment payload.
type AppointmentRequest struct {
	PatientID       int64  `json:"patient_id"`
	Name            string `json:"name"`
	DOB             string `json:"dob"`
	Phone           string `json:"phone"`
	Email           string `json:"email,omitempty"`
	Gender          string `json:"gender"`
	Address         string `json:"address"`
	DepartmentID    int    `json:"department_id"`
	DoctorID        int    `json:"doctor_id"`
	ScheduleID      int    `json:"schedule_id"`
	AppointmentDate string `json:"appointment_date"`
	TimeSlot        string `json:"time_slot"`
	Reason          string `json:"reason,omitempty"`
}

// Appointment is the record returned by the backend after creation.
type Appointment struct {
	ID              int    `json:"id"`
	PatientID       int64  `json:"patient_id"`
	DepartmentID    int    `json:"department_id"`
	DoctorID        int    `json:"doctor_id"`
	ScheduleID      int    `json:"schedule_id"`
	AppointmentDate string `json:"appointment_date"`
	TimeSlot        string `json:"time_slot"`
	Status          string `json:"status"`
	CreatedAt       string `json:"created_at,omitempty"`
}

// CancelledAppointment summarises one appointment cancelled by a sweep.
type CancelledAppointment struct {
	ID              int    `json:"id"`
	PatientName     string `json:"patient_name"`
	DoctorName      string `json:"doctor_name"`
	AppointmentDate string `json:"appointment_date"`
	TimeSlot        string `json:"time_slot"`
}

// AutoCancelResult is the summary of one overdue-appointment sweep.
type AutoCancelResult struct {
	CancelledCount        int                    `json:"cancelledCount"`
	CancelledAppointments []CancelledAppointment `json:"cancelledAppointments"`
}
