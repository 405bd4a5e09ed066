package domain

import (
	"time"

	"github.com/google/uuid"
)

// AppointmentStatus mirrors the scheduling service's status column. Only
// CONFIRMED appointments are eligible for call-duration persistence.
type AppointmentStatus string

const (
	AppointmentConfirmed AppointmentStatus = "CONFIRMED"
	AppointmentPending   AppointmentStatus = "PENDING"
	AppointmentCancelled AppointmentStatus = "CANCELLED"
)

// Appointment is the scheduling record a finished call is booked against.
// Owned by the scheduling service; this service only reads and updates the
// video-call columns.
type Appointment struct {
	ID              uuid.UUID         `json:"id"`
	ClinicianID     uuid.UUID         `json:"clinician_id"`
	PatientID       uuid.UUID         `json:"patient_id"`
	Status          AppointmentStatus `json:"status"`
	ScheduledAt     time.Time         `json:"scheduled_at"`
	HasHadVideoCall bool              `json:"has_had_video_call"`
	CallDuration    int               `json:"call_duration"` // in seconds
}
