package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"seqmail/models"
	"seqmail/store"
)

// ErrNotPaused is returned when resume is attempted on an enrollment
// that is not paused.
var ErrNotPaused = errors.New("enrollment is not paused")

// SequenceSource provides read-only access to sequence definitions.
type SequenceSource interface {
	GetSequenceWithSteps(ctx context.Context, id uint) (*models.Sequence, error)
}

// EnrollmentStore is the persistence contract the tracker and the
// processor share. Satisfied by *store.Store; tests substitute fakes.
type EnrollmentStore interface {
	FindEnrollment(ctx context.Context, subscriberID, sequenceID uint) (*models.SequenceEnrollment, error)
	GetEnrollment(ctx context.Context, id uint) (*models.SequenceEnrollment, error)
	CreateEnrollment(ctx context.Context, enrollment *models.SequenceEnrollment) error
	PauseEnrollment(ctx context.Context, id uint) (bool, error)
	ResumeEnrollment(ctx context.Context, id uint, nextEmailAt *time.Time) (bool, error)
	ClaimDue(ctx context.Context, now time.Time, claimedBy string, limit int) ([]models.SequenceEnrollment, error)
	AdvanceEnrollment(ctx context.Context, id uint, claimedBy string, nextEmailAt *time.Time) error
	CompleteEnrollment(ctx context.Context, id uint, claimedBy string, now time.Time) error
	ReleaseEnrollment(ctx context.Context, id uint, claimedBy string) error
}

// Enroller is the enrollment tracker: it creates enrollments on opt-in
// and drives the pause/resume lifecycle. It never sends email.
type Enroller struct {
	Sequences   SequenceSource
	Enrollments EnrollmentStore
	Logger      *log.Logger
	Now         func() time.Time
}

func NewEnroller(sequences SequenceSource, enrollments EnrollmentStore, logger *log.Logger) *Enroller {
	return &Enroller{
		Sequences:   sequences,
		Enrollments: enrollments,
		Logger:      logger,
		Now:         time.Now,
	}
}

// Enroll creates an enrollment for the (subscriber, sequence) pair, due
// per the first step's schedule. Enrollment is idempotent per pair: if
// one already exists it is returned unchanged with created=false.
func (e *Enroller) Enroll(ctx context.Context, subscriber *models.Subscriber, sequenceID uint) (*models.SequenceEnrollment, bool, error) {
	sequence, err := e.Sequences.GetSequenceWithSteps(ctx, sequenceID)
	if err != nil {
		return nil, false, err
	}

	existing, err := e.Enrollments.FindEnrollment(ctx, subscriber.ID, sequence.ID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrEnrollmentNotFound) {
		return nil, false, err
	}

	now := e.Now()
	var nextEmailAt *time.Time
	if len(sequence.Steps) > 0 {
		nextEmailAt = sequence.Steps[0].ScheduledFor(now)
	}

	enrollment := &models.SequenceEnrollment{
		SequenceID:   sequence.ID,
		SubscriberID: subscriber.ID,
		Status:       models.EnrollmentActive,
		EnrolledAt:   now,
		NextEmailAt:  nextEmailAt,
	}

	if err := e.Enrollments.CreateEnrollment(ctx, enrollment); err != nil {
		// Lost a race against a concurrent opt-in for the same pair;
		// the unique index rejected the duplicate.
		if existing, findErr := e.Enrollments.FindEnrollment(ctx, subscriber.ID, sequence.ID); findErr == nil {
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("failed to create enrollment: %w", err)
	}

	e.Logger.Printf("Enrolled subscriber %d into sequence %q (next email at %v)",
		subscriber.ID, sequence.Name, nextEmailAt)
	return enrollment, true, nil
}

// Pause suspends an active enrollment. Position, counters and due time
// are all preserved so resume can continue exactly where it left off.
// Pausing an already paused or completed enrollment is a no-op.
func (e *Enroller) Pause(ctx context.Context, enrollmentID uint) error {
	if _, err := e.Enrollments.GetEnrollment(ctx, enrollmentID); err != nil {
		return err
	}

	paused, err := e.Enrollments.PauseEnrollment(ctx, enrollmentID)
	if err != nil {
		return err
	}
	if !paused {
		e.Logger.Printf("Pause of enrollment %d skipped: not active", enrollmentID)
	}
	return nil
}

// Resume reactivates a paused enrollment. The delay countdown restarts
// at the moment of resume: time spent paused does not count against the
// next step's delay.
func (e *Enroller) Resume(ctx context.Context, enrollmentID uint) error {
	enrollment, err := e.Enrollments.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return err
	}
	if enrollment.Status != models.EnrollmentPaused {
		return ErrNotPaused
	}

	now := e.Now()
	nextEmailAt := &now
	sequence, err := e.Sequences.GetSequenceWithSteps(ctx, enrollment.SequenceID)
	switch {
	case errors.Is(err, store.ErrSequenceNotFound):
		// Sequence gone or deactivated: schedule due-now so the
		// processor completes the enrollment defensively.
	case err != nil:
		// A transient lookup failure must not reschedule the step;
		// the enrollment stays paused for the caller to retry.
		return err
	case enrollment.CurrentEmailIndex < len(sequence.Steps):
		nextEmailAt = sequence.Steps[enrollment.CurrentEmailIndex].ScheduledFor(now)
	default:
		// Exhausted while paused: due-now, completed on the next run.
	}

	resumed, err := e.Enrollments.ResumeEnrollment(ctx, enrollmentID, nextEmailAt)
	if err != nil {
		return err
	}
	if !resumed {
		return ErrNotPaused
	}

	e.Logger.Printf("Resumed enrollment %d (next email at %v)", enrollmentID, nextEmailAt)
	return nil
}
