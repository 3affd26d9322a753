// Package worker contains the out-of-band delivery loops consumed by the
// worker binaries.
package worker

import (
	"context"
	"fmt"

	"bursar/internal/amqp"
	"bursar/internal/core"
	"bursar/internal/log"
	"bursar/internal/mailer"
	"bursar/internal/notify"
)

// Store is what the email worker needs from the repository.
type Store interface {
	GetNotification(ctx context.Context, id string) (core.Notification, error)
	GuardianEmailByUserID(ctx context.Context, userID string) (string, error)
	SetNotificationEmailState(ctx context.Context, id, state string) error
}

// EmailWorker turns queued notifications into emails. A send failure marks
// the record failed and returns the error so the broker redelivers; a later
// success flips it back to sent.
type EmailWorker struct {
	store      Store
	mailer     mailer.Mailer
	appBaseURL string
	logger     *log.Logger
}

func NewEmailWorker(store Store, m mailer.Mailer, appBaseURL string, logger *log.Logger) *EmailWorker {
	return &EmailWorker{
		store:      store,
		mailer:     m,
		appBaseURL: appBaseURL,
		logger:     logger.WithComponent(log.ComponentWorker),
	}
}

// HandleDeliveryMessage processes a single email delivery message.
func (w *EmailWorker) HandleDeliveryMessage(ctx context.Context, msg *amqp.EmailDeliveryMessage) error {
	n, err := w.store.GetNotification(ctx, msg.NotificationID)
	if err != nil {
		if core.IsNotFound(err) {
			// Nothing to deliver; dropping beats requeueing forever.
			w.logger.WarnContext(ctx, "notification gone, dropping delivery",
				log.FieldNotifID, msg.NotificationID)
			return nil
		}
		return fmt.Errorf("get notification: %w", err)
	}

	addr, err := w.store.GuardianEmailByUserID(ctx, n.RecipientUserID)
	if err != nil {
		if core.IsNotFound(err) {
			w.logger.WarnContext(ctx, "recipient has no email, dropping delivery",
				log.FieldNotifID, n.ID, log.FieldRecipient, n.RecipientUserID)
			return w.store.SetNotificationEmailState(ctx, n.ID, core.EmailFailed)
		}
		return fmt.Errorf("resolve recipient email: %w", err)
	}
	if addr == "" {
		w.logger.WarnContext(ctx, "recipient email empty, dropping delivery",
			log.FieldNotifID, n.ID, log.FieldRecipient, n.RecipientUserID)
		return w.store.SetNotificationEmailState(ctx, n.ID, core.EmailFailed)
	}

	rendered := notify.RenderDeepLinkMessage(n, w.appBaseURL)
	if err := w.mailer.Send(ctx, mailer.Message{
		To:      addr,
		Subject: n.Title,
		Body:    rendered.Text,
	}); err != nil {
		if stateErr := w.store.SetNotificationEmailState(ctx, n.ID, core.EmailFailed); stateErr != nil {
			w.logger.ErrorContext(ctx, "email state update failed",
				log.FieldNotifID, n.ID, log.FieldError, stateErr.Error())
		}
		return fmt.Errorf("send email: %w", err)
	}

	if err := w.store.SetNotificationEmailState(ctx, n.ID, core.EmailSent); err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}

	w.logger.InfoContext(ctx, "notification email sent",
		log.FieldNotifID, n.ID,
		log.FieldRecipient, n.RecipientUserID)
	return nil
}
