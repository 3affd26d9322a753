package amqp

import (
	"encoding/json"
	"time"
)

// EmailDeliveryMessage asks the email worker to deliver one notification.
// It carries only the notification ID; the worker fetches the current record
// from the database so a stale queue entry never sends stale content.
type EmailDeliveryMessage struct {
	NotificationID string    `json:"notification_id"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewEmailDeliveryMessage creates a delivery message for a notification
func NewEmailDeliveryMessage(notificationID string) *EmailDeliveryMessage {
	return &EmailDeliveryMessage{
		NotificationID: notificationID,
		Timestamp:      time.Now(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *EmailDeliveryMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// EmailDeliveryMessageFromJSON creates a message from JSON bytes
func EmailDeliveryMessageFromJSON(data []byte) (*EmailDeliveryMessage, error) {
	var msg EmailDeliveryMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
