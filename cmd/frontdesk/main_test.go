package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/clinic/frontdesk/internal/platform/backend"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger("production", "warn", &buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info line should be filtered at warn level")
	}
	if !strings.Contains(out, `"message":"shown"`) {
		t.Errorf("expected JSON warn line, got %q", out)
	}
}

func TestNewLogger_Development(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger("development", "", &buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	logger.Info().Msg("console")
	if strings.Contains(buf.String(), `"message"`) {
		t.Errorf("expected console output, got %q", buf.String())
	}
	if !strings.Contains(buf.String(), "console") {
		t.Errorf("expected the message to be written, got %q", buf.String())
	}
}

func TestNewLogger_InvalidLevel(t *testing.T) {
	if _, err := newLogger("production", "loud", &bytes.Buffer{}); err == nil {
		t.Fatal("expected an error for an unknown level")
	}
}

func TestPrintDepartments(t *testing.T) {
	var buf bytes.Buffer
	printDepartments(&buf, []backend.Department{
		{ID: 1, Name: "Cardiology", DoctorCount: 4},
		{ID: 12, Name: "ENT", DoctorCount: 0},
	})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and 2 rows, got %d lines: %q", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "ID") || !strings.Contains(lines[0], "DOCTORS") {
		t.Errorf("unexpected header %q", lines[0])
	}
	if !strings.Contains(lines[1], "Cardiology") || !strings.HasSuffix(lines[1], "4") {
		t.Errorf("unexpected row %q", lines[1])
	}
}

func TestPrintSweep(t *testing.T) {
	var buf bytes.Buffer
	printSweep(&buf, &backend.AutoCancelResult{})
	if got := buf.String(); got != "0 appointment(s) cancelled\n" {
		t.Errorf("unexpected output %q", got)
	}

	buf.Reset()
	printSweep(&buf, &backend.AutoCancelResult{
		CancelledCount: 1,
		CancelledAppointments: []backend.CancelledAppointment{
			{ID: 9, PatientName: "Jane Roe", DoctorName: "Dr. Lee", AppointmentDate: "2026-10-14", TimeSlot: "09:00-09:30"},
		},
	})
	out := buf.String()
	if !strings.HasPrefix(out, "1 appointment(s) cancelled\n") {
		t.Errorf("unexpected summary in %q", out)
	}
	if !strings.Contains(out, "Jane Roe") || !strings.Contains(out, "09:00-09:30") {
		t.Errorf("expected the cancelled row, got %q", out)
	}
}
