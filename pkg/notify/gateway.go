// Package notify pushes fleet events to customers via Firebase Cloud
// Messaging. Delivery is best-effort: a failed push is logged and
// dropped, it never blocks or fails frame processing.
package notify

import "context"

// Gateway delivers one composed push message.
type Gateway interface {
	// SendToToken pushes to a single device registration token.
	SendToToken(ctx context.Context, token, title, body string, data map[string]string) error

	// SendToTopic pushes to every subscriber of a topic.
	SendToTopic(ctx context.Context, topic, title, body string, data map[string]string) error
}

// NopGateway drops every message. It stands in for FCM when
// notifications are disabled or in tests.
type NopGateway struct{}

func (NopGateway) SendToToken(ctx context.Context, token, title, body string, data map[string]string) error {
	return nil
}

func (NopGateway) SendToTopic(ctx context.Context, topic, title, body string, data map[string]string) error {
	return nil
}
