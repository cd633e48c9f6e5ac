package models

import (
	"time"

	"gorm.io/gorm"
)

// Scheduling modes for sequence emails
const (
	SendModeDelay = "delay" // relative to the previous email
	SendModeFixed = "fixed" // literal calendar date
)

// Sequence represents an automated drip-email campaign
type Sequence struct {
	gorm.Model
	Name        string `gorm:"not null;index" json:"name"`
	Description string `json:"description"`
	IsActive    bool   `gorm:"default:true" json:"is_active"`

	// Relations
	Steps []SequenceEmail `gorm:"foreignKey:SequenceID" json:"steps,omitempty"`
}

// SequenceEmail is one email within a sequence. Steps are processed
// strictly in ascending StepOrder; no step is ever skipped.
type SequenceEmail struct {
	gorm.Model
	SequenceID uint `gorm:"not null;index;uniqueIndex:idx_sequence_step_order" json:"sequence_id"`

	StepOrder int    `gorm:"not null;uniqueIndex:idx_sequence_step_order" json:"step_order"`
	Subject   string `gorm:"not null" json:"subject"`
	HTMLBody  string `gorm:"type:text" json:"html_body"`

	// Scheduling
	SendMode  string     `gorm:"default:'delay'" json:"send_mode"` // delay, fixed
	DelayDays int        `gorm:"default:0" json:"delay_days"`      // days after the previous email
	SendAt    *time.Time `json:"send_at"`                          // only for fixed mode

	// Sender identity
	FromName  string `json:"from_name"`
	FromEmail string `json:"from_email"`
}

// ScheduledFor returns when this step becomes eligible for sending,
// measured from the given reference time. A nil result means the step
// cannot be scheduled yet (fixed mode without a date) and the
// enrollment is parked until an operator supplies one.
func (s *SequenceEmail) ScheduledFor(from time.Time) *time.Time {
	switch s.SendMode {
	case SendModeFixed:
		if s.SendAt == nil {
			return nil
		}
		at := *s.SendAt
		return &at
	default:
		at := from.Add(time.Duration(s.DelayDays) * 24 * time.Hour)
		return &at
	}
}
