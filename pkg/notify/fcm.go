package notify

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// FCMGateway implements Gateway on Firebase Cloud Messaging.
type FCMGateway struct {
	client *messaging.Client
}

// NewFCMGateway initializes the Firebase Admin SDK from a service account
// credentials file.
func NewFCMGateway(ctx context.Context, credentialsPath string) (*FCMGateway, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsPath))
	if err != nil {
		return nil, fmt.Errorf("notify: initializing firebase: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("notify: creating messaging client: %w", err)
	}

	return &FCMGateway{client: client}, nil
}

func (g *FCMGateway) SendToToken(ctx context.Context, token, title, body string, data map[string]string) error {
	msg := &messaging.Message{
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		Data:  data,
		Token: token,
	}

	if _, err := g.client.Send(ctx, msg); err != nil {
		return fmt.Errorf("notify: sending to token: %w", err)
	}
	return nil
}

func (g *FCMGateway) SendToTopic(ctx context.Context, topic, title, body string, data map[string]string) error {
	msg := &messaging.Message{
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		Data:  data,
		Topic: topic,
	}

	if _, err := g.client.Send(ctx, msg); err != nil {
		return fmt.Errorf("notify: sending to topic %s: %w", topic, err)
	}
	return nil
}
