package core

import (
	"strings"
	"time"
)

const (
	NotifFeedback    NotificationType = "feedback"
	NotifEvent       NotificationType = "event"
	NotifFine        NotificationType = "fine"
	NotifCertificate NotificationType = "certificate"
	NotifAttendance  NotificationType = "attendance"
	NotifFeeAlert    NotificationType = "fee_alert"
)

const (
	PriorityNormal   Priority = "normal"
	PriorityUrgent   Priority = "urgent"
	PriorityCritical Priority = "critical"
)

// Email delivery states for the out-of-band channel. The in-app record is
// never gated on these.
const (
	EmailNone   = "none"
	EmailQueued = "queued"
	EmailSent   = "sent"
	EmailFailed = "failed"
)

type (
	NotificationType string
	Priority         string

	// Notification is a durable per-recipient record, append-only except for
	// the read toggle. The creating engine keeps no reference after creation.
	Notification struct {
		ID              string
		RecipientUserID string
		Type            NotificationType
		Priority        Priority
		Title           string
		Body            string
		LinkType        string
		LinkID          string
		IsRead          bool
		ReadAt          *time.Time
		EmailState      string
		CreatedAt       time.Time
	}

	// NotificationFilter narrows the recipient's notification stream.
	NotificationFilter struct {
		UnreadOnly bool
		Type       NotificationType
		Limit      int
	}
)

func (t NotificationType) Valid() bool {
	switch t {
	case NotifFeedback, NotifEvent, NotifFine, NotifCertificate, NotifAttendance, NotifFeeAlert:
		return true
	}
	return false
}

func (p Priority) Valid() bool {
	switch p {
	case PriorityNormal, PriorityUrgent, PriorityCritical:
		return true
	}
	return false
}

func (n Notification) Validate() error {
	if strings.TrimSpace(n.RecipientUserID) == "" {
		return ErrEmptyRecipient
	}
	if !n.Type.Valid() {
		return ErrInvalidNotifType
	}
	if !n.Priority.Valid() {
		return ErrInvalidPriority
	}
	if strings.TrimSpace(n.Title) == "" {
		return ErrEmptyName
	}
	return nil
}
