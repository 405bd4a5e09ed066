package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"carelink-backend/internal/domain"
)

// AppointmentRepository reads and updates scheduling records. Appointment
// rows are created and owned by the scheduling service; this repository only
// finds them and books finished calls against them.
type AppointmentRepository struct {
	pool *pgxpool.Pool
}

// NewAppointmentRepository creates a new appointment repository
func NewAppointmentRepository(pool *pgxpool.Pool) *AppointmentRepository {
	return &AppointmentRepository{pool: pool}
}

// FindLatestConfirmed returns the most recently scheduled CONFIRMED
// appointment between the two participants, in either clinician/patient
// orientation. Returns (nil, nil) when no such appointment exists.
func (r *AppointmentRepository) FindLatestConfirmed(ctx context.Context, participantA, participantB uuid.UUID) (*domain.Appointment, error) {
	query := `
		SELECT id, clinician_id, patient_id, status, scheduled_at,
		       has_had_video_call, call_duration
		FROM appointments
		WHERE status = 'CONFIRMED'
		  AND ((clinician_id = $1 AND patient_id = $2)
		    OR (clinician_id = $2 AND patient_id = $1))
		ORDER BY scheduled_at DESC
		LIMIT 1
	`

	appt := &domain.Appointment{}
	err := r.pool.QueryRow(ctx, query, participantA, participantB).Scan(
		&appt.ID,
		&appt.ClinicianID,
		&appt.PatientID,
		&appt.Status,
		&appt.ScheduledAt,
		&appt.HasHadVideoCall,
		&appt.CallDuration,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find appointment: %w", err)
	}

	return appt, nil
}

// MarkVideoCall records that a video consultation happened against the
// appointment and stores its duration in seconds.
func (r *AppointmentRepository) MarkVideoCall(ctx context.Context, appointmentID uuid.UUID, durationSeconds int) error {
	query := `
		UPDATE appointments
		SET has_had_video_call = true,
		    call_duration = $2
		WHERE id = $1
	`

	_, err := r.pool.Exec(ctx, query, appointmentID, durationSeconds)
	if err != nil {
		return fmt.Errorf("failed to mark video call: %w", err)
	}

	return nil
}
