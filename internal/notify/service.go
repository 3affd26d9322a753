// Package notify is the fan-out point for every engine that wants to reach a
// person. It owns the durable in-app record; delivery channels hang off it
// and are always best-effort.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"bursar/internal/core"
	"bursar/internal/log"
)

// Store persists notification records.
type Store interface {
	CreateNotification(ctx context.Context, n core.Notification) error
	GetNotification(ctx context.Context, id string) (core.Notification, error)
	ListNotifications(ctx context.Context, recipientUserID string, filter core.NotificationFilter) ([]core.Notification, error)
	MarkNotificationRead(ctx context.Context, recipientUserID, id string) error
	UnreadCount(ctx context.Context, recipientUserID string) (int, error)
	SetNotificationEmailState(ctx context.Context, id, state string) error
}

// EmailQueue hands a notification to the out-of-band email channel.
type EmailQueue interface {
	PublishEmailDelivery(ctx context.Context, notificationID string) error
}

type Service struct {
	store  Store
	queue  EmailQueue // nil disables the email channel entirely
	logger *log.Logger
}

func NewService(store Store, queue EmailQueue, logger *log.Logger) *Service {
	return &Service{store: store, queue: queue, logger: logger.WithComponent(log.ComponentNotify)}
}

// Notify creates the durable in-app record and, when the email channel is
// configured, enqueues delivery. The record is committed before any channel
// work; a dead queue can delay email but never lose the notification.
func (s *Service) Notify(ctx context.Context, n core.Notification) error {
	if n.Priority == "" {
		n.Priority = core.PriorityNormal
	}
	if err := n.Validate(); err != nil {
		return err
	}

	n.ID = uuid.NewString()
	n.CreatedAt = time.Now().UTC()
	n.IsRead = false
	n.ReadAt = nil
	n.EmailState = core.EmailNone

	if err := s.store.CreateNotification(ctx, n); err != nil {
		return fmt.Errorf("create notification: %w", err)
	}

	s.logger.InfoContext(ctx, "notification created",
		log.FieldNotifID, n.ID,
		log.FieldRecipient, n.RecipientUserID,
		"type", string(n.Type),
		"priority", string(n.Priority))

	if s.queue != nil {
		if err := s.queue.PublishEmailDelivery(ctx, n.ID); err != nil {
			s.logger.ErrorContext(ctx, "email enqueue failed",
				log.FieldNotifID, n.ID, log.FieldError, err.Error())
		} else if err := s.store.SetNotificationEmailState(ctx, n.ID, core.EmailQueued); err != nil {
			s.logger.ErrorContext(ctx, "email state update failed",
				log.FieldNotifID, n.ID, log.FieldError, err.Error())
		}
	}

	return nil
}

// List returns the recipient's notifications, newest first.
func (s *Service) List(ctx context.Context, recipientUserID string, filter core.NotificationFilter) ([]core.Notification, error) {
	return s.store.ListNotifications(ctx, recipientUserID, filter)
}

// MarkRead marks one of the recipient's notifications as read. Idempotent.
func (s *Service) MarkRead(ctx context.Context, recipientUserID, id string) error {
	return s.store.MarkNotificationRead(ctx, recipientUserID, id)
}

func (s *Service) UnreadCount(ctx context.Context, recipientUserID string) (int, error) {
	return s.store.UnreadCount(ctx, recipientUserID)
}
