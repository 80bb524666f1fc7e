package notify

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"dispatchline/internal/mqttclient"
)

// MQTTProvider publishes notifications on a per-device topic,
// "<prefix>/<token>", for in-vehicle terminals subscribed to their own token.
type MQTTProvider struct {
	Client mqttclient.Client
	Prefix string
	QoS    byte
	Now    func() time.Time
}

type mqttPush struct {
	ID    string            `json:"id"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
	TS    string            `json:"ts"`
}

func (*MQTTProvider) Name() string { return "mqtt" }

func (p *MQTTProvider) topic(token string) string {
	prefix := strings.TrimRight(p.Prefix, "/")
	if prefix == "" {
		prefix = "dispatchline/push"
	}
	return prefix + "/" + token
}

func (p *MQTTProvider) Send(ctx context.Context, token string, msg Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	push := mqttPush{ID: uuid.NewString(), Title: msg.Title, Body: msg.Body, Data: msg.Data, TS: now().UTC().Format(time.RFC3339)}
	payload, err := json.Marshal(push)
	if err != nil {
		return "", err
	}
	if err := p.Client.Publish(p.topic(token), payload, p.QoS, false); err != nil {
		return "", err
	}
	return push.ID, nil
}

func (p *MQTTProvider) SendMulticast(ctx context.Context, tokens []string, msg Message) []Result {
	return sendEach(ctx, p, tokens, msg, 4)
}
