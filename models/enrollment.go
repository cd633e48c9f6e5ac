package models

import (
	"time"

	"gorm.io/gorm"
)

// Enrollment lifecycle statuses
const (
	EnrollmentActive    = "active"
	EnrollmentPaused    = "paused"
	EnrollmentCompleted = "completed" // terminal
)

// SequenceEnrollment links one Subscriber to one Sequence and tracks
// progress through its steps. At most one enrollment exists per pair.
type SequenceEnrollment struct {
	gorm.Model
	SequenceID   uint `gorm:"not null;index;uniqueIndex:idx_enrollment_pair" json:"sequence_id"`
	SubscriberID uint `gorm:"not null;index;uniqueIndex:idx_enrollment_pair" json:"subscriber_id"`

	Status            string `gorm:"default:'active';index:idx_enrollment_due" json:"status"` // active, paused, completed
	CurrentEmailIndex int    `gorm:"default:0" json:"current_email_index"`
	EmailsSent        int    `gorm:"default:0" json:"emails_sent"`

	// NextEmailAt is when the next step becomes eligible. Null means
	// nothing is scheduled: the enrollment is parked and the processor
	// never picks it up.
	NextEmailAt *time.Time `gorm:"index:idx_enrollment_due" json:"next_email_at"`

	EnrolledAt  time.Time  `gorm:"not null" json:"enrolled_at"`
	CompletedAt *time.Time `json:"completed_at"`

	// Claim lease held by a processor instance while a step is in
	// flight. Stale leases are reclaimed after the lease TTL.
	ClaimedBy *string    `json:"claimed_by,omitempty"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`

	// Relations
	Sequence   Sequence   `json:"sequence,omitempty"`
	Subscriber Subscriber `json:"subscriber,omitempty"`
}
