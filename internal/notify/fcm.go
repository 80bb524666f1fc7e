package notify

import (
	"context"
	"errors"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// fcmBatchLimit is the token cap of one SendEachForMulticast call.
const fcmBatchLimit = 500

// FCMClient is the part of the Firebase messaging client the provider uses.
// *messaging.Client satisfies it.
type FCMClient interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// FCM sends through Firebase Cloud Messaging.
type FCM struct {
	Client FCMClient
}

// NewFCM initialises a Firebase app from a service-account JSON file.
func NewFCM(ctx context.Context, projectID, credentialsFile string) (*FCM, error) {
	var conf *firebase.Config
	if projectID != "" {
		conf = &firebase.Config{ProjectID: projectID}
	}
	app, err := firebase.NewApp(ctx, conf, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("init firebase: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase messaging: %w", err)
	}
	return &FCM{Client: client}, nil
}

func (*FCM) Name() string { return "fcm" }

// Mission pushes are time sensitive and useless once stale.
func fcmWebpush(msg Message) *messaging.WebpushConfig {
	wp := &messaging.WebpushConfig{
		Headers:      map[string]string{"Urgency": "high", "TTL": "0"},
		Notification: &messaging.WebpushNotification{RequireInteraction: true},
	}
	if link := msg.Link(); link != "" {
		wp.FCMOptions = &messaging.WebpushFCMOptions{Link: link}
	}
	return wp
}

func fcmMessage(token string, msg Message) *messaging.Message {
	return &messaging.Message{
		Token:        token,
		Notification: &messaging.Notification{Title: msg.Title, Body: msg.Body},
		Data:         msg.Data,
		Webpush:      fcmWebpush(msg),
		Android:      &messaging.AndroidConfig{Priority: "high"},
	}
}

func fcmMulticast(tokens []string, msg Message) *messaging.MulticastMessage {
	return &messaging.MulticastMessage{
		Tokens:       tokens,
		Notification: &messaging.Notification{Title: msg.Title, Body: msg.Body},
		Data:         msg.Data,
		Webpush:      fcmWebpush(msg),
		Android:      &messaging.AndroidConfig{Priority: "high"},
	}
}

func (f *FCM) Send(ctx context.Context, token string, msg Message) (string, error) {
	return f.Client.Send(ctx, fcmMessage(token, msg))
}

// SendMulticast sends in batches of fcmBatchLimit tokens. A failed batch
// marks each of its tokens with the batch error.
func (f *FCM) SendMulticast(ctx context.Context, tokens []string, msg Message) []Result {
	results := make([]Result, 0, len(tokens))
	for start := 0; start < len(tokens); start += fcmBatchLimit {
		end := min(start+fcmBatchLimit, len(tokens))
		batch := tokens[start:end]
		resp, err := f.Client.SendEachForMulticast(ctx, fcmMulticast(batch, msg))
		if err == nil && (resp == nil || len(resp.Responses) != len(batch)) {
			err = errors.New("fcm returned an incomplete batch response")
		}
		for i, tok := range batch {
			if err != nil {
				results = append(results, Result{Token: tok, Err: err})
				continue
			}
			r := resp.Responses[i]
			res := Result{Token: tok, ReceiptID: r.MessageID, Err: r.Error}
			if !r.Success && res.Err == nil {
				res.Err = errors.New("fcm rejected the message")
			}
			results = append(results, res)
		}
	}
	return results
}
