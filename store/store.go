package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"seqmail/models"
)

var (
	ErrSequenceNotFound   = errors.New("sequence not found or inactive")
	ErrEnrollmentNotFound = errors.New("enrollment not found")
)

// ClaimLease is how long a processor instance may hold a claimed
// enrollment before another instance is allowed to reclaim it.
const ClaimLease = 5 * time.Minute

// Store is the GORM-backed persistence layer for sequences,
// subscribers and enrollments.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// GetSequenceWithSteps returns an active sequence with its steps sorted
// ascending by step order.
func (s *Store) GetSequenceWithSteps(ctx context.Context, id uint) (*models.Sequence, error) {
	var sequence models.Sequence
	err := s.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB {
			return db.Order("step_order ASC")
		}).
		Where("is_active = ?", true).
		First(&sequence, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSequenceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sequence %d: %w", id, err)
	}
	return &sequence, nil
}

// FindEnrollment looks up the enrollment for a (subscriber, sequence) pair.
func (s *Store) FindEnrollment(ctx context.Context, subscriberID, sequenceID uint) (*models.SequenceEnrollment, error) {
	var enrollment models.SequenceEnrollment
	err := s.db.WithContext(ctx).
		Where("subscriber_id = ? AND sequence_id = ?", subscriberID, sequenceID).
		First(&enrollment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEnrollmentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// GetEnrollment loads one enrollment by ID.
func (s *Store) GetEnrollment(ctx context.Context, id uint) (*models.SequenceEnrollment, error) {
	var enrollment models.SequenceEnrollment
	err := s.db.WithContext(ctx).First(&enrollment, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEnrollmentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// CreateEnrollment persists a new enrollment row. The unique index on
// (sequence_id, subscriber_id) backs up the tracker's idempotency check.
func (s *Store) CreateEnrollment(ctx context.Context, enrollment *models.SequenceEnrollment) error {
	return s.db.WithContext(ctx).Create(enrollment).Error
}

// PauseEnrollment transitions active -> paused, leaving position and
// timing untouched. Returns false when the enrollment was not active.
func (s *Store) PauseEnrollment(ctx context.Context, id uint) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.SequenceEnrollment{}).
		Where("id = ? AND status = ?", id, models.EnrollmentActive).
		Update("status", models.EnrollmentPaused)
	return res.RowsAffected > 0, res.Error
}

// ResumeEnrollment transitions paused -> active with a freshly computed
// due time. Returns false when the enrollment was not paused.
func (s *Store) ResumeEnrollment(ctx context.Context, id uint, nextEmailAt *time.Time) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.SequenceEnrollment{}).
		Where("id = ? AND status = ?", id, models.EnrollmentPaused).
		Updates(map[string]interface{}{
			"status":        models.EnrollmentActive,
			"next_email_at": nextEmailAt,
		})
	return res.RowsAffected > 0, res.Error
}

// ClaimDue atomically claims up to limit due enrollments for the given
// processor instance and returns them with subscriber loaded. The id
// subquery takes row locks with SKIP LOCKED so two concurrent runs
// select disjoint rows, and the outer UPDATE re-checks the due
// predicates so a recheck after a competing commit matches nothing.
// Leases older than ClaimLease are treated as abandoned and reclaimed.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, claimedBy string, limit int) ([]models.SequenceEnrollment, error) {
	var claimed []models.SequenceEnrollment
	stale := now.Add(-ClaimLease)

	err := s.db.WithContext(ctx).
		Model(&claimed).
		Clauses(clause.Returning{}).
		Where("id IN (?)", s.db.
			Model(&models.SequenceEnrollment{}).
			Select("id").
			Where("status = ?", models.EnrollmentActive).
			Where("next_email_at IS NOT NULL AND next_email_at <= ?", now).
			Where("claimed_at IS NULL OR claimed_at < ?", stale).
			Order("next_email_at ASC").
			Limit(limit).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})).
		Where("status = ?", models.EnrollmentActive).
		Where("next_email_at IS NOT NULL AND next_email_at <= ?", now).
		Where("claimed_at IS NULL OR claimed_at < ?", stale).
		Updates(map[string]interface{}{
			"claimed_by": claimedBy,
			"claimed_at": now,
		}).Error
	if err != nil {
		return nil, fmt.Errorf("failed to claim due enrollments: %w", err)
	}
	if len(claimed) == 0 {
		return nil, nil
	}

	ids := make([]uint, 0, len(claimed))
	for _, e := range claimed {
		ids = append(ids, e.ID)
	}

	var hydrated []models.SequenceEnrollment
	if err := s.db.WithContext(ctx).
		Preload("Subscriber").
		Where("id IN ?", ids).
		Find(&hydrated).Error; err != nil {
		return nil, fmt.Errorf("failed to load claimed enrollments: %w", err)
	}
	return hydrated, nil
}

// AdvanceEnrollment records a successful send: position and counter move
// forward by one, the next due time is installed and the claim released.
// The claimed_by guard keeps a stale instance from advancing a row that
// was reclaimed from under it.
func (s *Store) AdvanceEnrollment(ctx context.Context, id uint, claimedBy string, nextEmailAt *time.Time) error {
	res := s.db.WithContext(ctx).
		Model(&models.SequenceEnrollment{}).
		Where("id = ? AND claimed_by = ?", id, claimedBy).
		Updates(map[string]interface{}{
			"current_email_index": gorm.Expr("current_email_index + 1"),
			"emails_sent":         gorm.Expr("emails_sent + 1"),
			"next_email_at":       nextEmailAt,
			"claimed_by":          nil,
			"claimed_at":          nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("enrollment %d no longer claimed by %s", id, claimedBy)
	}
	return nil
}

// CompleteEnrollment marks an enrollment terminally completed and
// releases the claim.
func (s *Store) CompleteEnrollment(ctx context.Context, id uint, claimedBy string, now time.Time) error {
	res := s.db.WithContext(ctx).
		Model(&models.SequenceEnrollment{}).
		Where("id = ? AND claimed_by = ?", id, claimedBy).
		Updates(map[string]interface{}{
			"status":        models.EnrollmentCompleted,
			"completed_at":  now,
			"next_email_at": nil,
			"claimed_by":    nil,
			"claimed_at":    nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("enrollment %d no longer claimed by %s", id, claimedBy)
	}
	return nil
}

// ReleaseEnrollment drops the claim without touching position or timing,
// so a failed dispatch is retried on the next run.
func (s *Store) ReleaseEnrollment(ctx context.Context, id uint, claimedBy string) error {
	return s.db.WithContext(ctx).
		Model(&models.SequenceEnrollment{}).
		Where("id = ? AND claimed_by = ?", id, claimedBy).
		Updates(map[string]interface{}{
			"claimed_by": nil,
			"claimed_at": nil,
		}).Error
}

// PauseActiveEnrollmentsForSubscriber pauses every active enrollment a
// subscriber holds. Used by the reply worker to stop sequences once a
// subscriber writes back.
func (s *Store) PauseActiveEnrollmentsForSubscriber(ctx context.Context, subscriberID uint) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&models.SequenceEnrollment{}).
		Where("subscriber_id = ? AND status = ?", subscriberID, models.EnrollmentActive).
		Update("status", models.EnrollmentPaused)
	return res.RowsAffected, res.Error
}

// FindSubscriberByEmail looks a subscriber up by address.
func (s *Store) FindSubscriberByEmail(ctx context.Context, email string) (*models.Subscriber, error) {
	var subscriber models.Subscriber
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&subscriber).Error; err != nil {
		return nil, err
	}
	return &subscriber, nil
}
