package models

import "gorm.io/gorm"

// Subscriber represents a single email identity, independent of any sequence
type Subscriber struct {
	gorm.Model
	Email     string `gorm:"not null;uniqueIndex" json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`

	IsConfirmed bool `gorm:"default:false" json:"is_confirmed"`

	// Relations
	Tags        []SubscriberTag      `gorm:"foreignKey:SubscriberID" json:"tags,omitempty"`
	Enrollments []SequenceEnrollment `gorm:"foreignKey:SubscriberID" json:"enrollments,omitempty"`
}

// SubscriberTag represents free-form tags for subscribers (normalized)
type SubscriberTag struct {
	gorm.Model
	SubscriberID uint   `gorm:"not null;index" json:"subscriber_id"`
	Tag          string `gorm:"not null;index" json:"tag"`
}
