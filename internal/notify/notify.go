package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"dispatchline/internal/domain"
	"dispatchline/internal/metrics"
	"dispatchline/internal/repo"
)

// ErrNoTokenRegistered means the driver has no device to push to. Advisory.
var ErrNoTokenRegistered = errors.New("no device token registered")

// DeliveryFailedError carries the provider's reason for a failed push. Advisory.
type DeliveryFailedError struct {
	ActorID int64
	Reason  string
	Err     error
}

func (e DeliveryFailedError) Error() string {
	return fmt.Sprintf("push to actor %d failed: %s", e.ActorID, e.Reason)
}

func (e DeliveryFailedError) Unwrap() error { return e.Err }

// Message is the semantic notification sent to a device.
type Message struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Link returns the deep link carried in Data.
func (m Message) Link() string {
	if m.Data == nil {
		return ""
	}
	return m.Data["click_action"]
}

// Result is the outcome of one token in a multi-recipient send.
type Result struct {
	Token     string
	ReceiptID string
	Err       error
}

// Provider delivers messages to device tokens.
type Provider interface {
	Name() string
	Send(ctx context.Context, token string, msg Message) (string, error)
	// SendMulticast returns one Result per token, in order.
	SendMulticast(ctx context.Context, tokens []string, msg Message) []Result
}

// TokenStore is the subset of the store the dispatcher needs.
type TokenStore interface {
	GetDeviceToken(ctx context.Context, actorID int64) (domain.DeviceToken, error)
	ListActiveDriverTokens(ctx context.Context) ([]domain.DeviceToken, error)
	UpsertDeviceToken(ctx context.Context, t domain.DeviceToken) error
}

// Receipt acknowledges a push accepted by the provider.
type Receipt struct {
	ID       string `json:"id"`
	ActorID  int64  `json:"actor_id"`
	Provider string `json:"provider"`
}

// MulticastResult aggregates a push to every driver.
type MulticastResult struct {
	Recipients int                   `json:"recipients"`
	Success    int                   `json:"success"`
	Failure    int                   `json:"failure"`
	Failures   []DeliveryFailedError `json:"-"`
}

// Dispatcher sends push notifications to drivers' registered devices.
// Failures are returned to the caller and never retried.
type Dispatcher struct {
	Tokens   TokenStore
	Provider Provider
	Logger   zerolog.Logger
	Metrics  *metrics.Recorder
	Now      func() time.Time
	// Timeout bounds each provider call; zero means the caller's context only.
	Timeout time.Duration
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Dispatcher) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.Timeout > 0 {
		return context.WithTimeout(ctx, d.Timeout)
	}
	return context.WithCancel(ctx)
}

// RegisterToken binds token to the actor, replacing its previous one.
func (d *Dispatcher) RegisterToken(ctx context.Context, actorID int64, token string) (domain.DeviceToken, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.DeviceToken{}, errors.New("device token required")
	}
	t := domain.DeviceToken{ActorID: actorID, Token: token, RegisteredAt: d.now().UTC().Format(time.RFC3339)}
	if err := d.Tokens.UpsertDeviceToken(ctx, t); err != nil {
		return domain.DeviceToken{}, err
	}
	d.Logger.Debug().Int64("actor_id", actorID).Msg("device token registered")
	return t, nil
}

// NotifyDriver pushes msg to the device of actorID.
func (d *Dispatcher) NotifyDriver(ctx context.Context, actorID int64, msg Message) (Receipt, error) {
	tok, err := d.Tokens.GetDeviceToken(ctx, actorID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			d.Metrics.Push(d.Provider.Name(), "no_token")
			return Receipt{}, fmt.Errorf("actor %d: %w", actorID, ErrNoTokenRegistered)
		}
		return Receipt{}, err
	}
	sendCtx, cancel := d.withTimeout(ctx)
	defer cancel()
	id, err := d.Provider.Send(sendCtx, tok.Token, msg)
	if err != nil {
		d.Metrics.Push(d.Provider.Name(), "failed")
		return Receipt{}, DeliveryFailedError{ActorID: actorID, Reason: err.Error(), Err: err}
	}
	d.Metrics.Push(d.Provider.Name(), "sent")
	return Receipt{ID: id, ActorID: actorID, Provider: d.Provider.Name()}, nil
}

// NotifyAllDrivers pushes msg to every active driver with a token in a single
// multi-recipient send. Individual failures are counted, not returned.
func (d *Dispatcher) NotifyAllDrivers(ctx context.Context, msg Message) (MulticastResult, error) {
	tokens, err := d.Tokens.ListActiveDriverTokens(ctx)
	if err != nil {
		return MulticastResult{}, err
	}
	res := MulticastResult{Recipients: len(tokens)}
	if len(tokens) == 0 {
		return res, nil
	}
	raw := make([]string, len(tokens))
	for i, t := range tokens {
		raw[i] = t.Token
	}
	sendCtx, cancel := d.withTimeout(ctx)
	defer cancel()
	results := d.Provider.SendMulticast(sendCtx, raw, msg)
	for i, r := range results {
		if r.Err == nil {
			res.Success++
			d.Metrics.Push(d.Provider.Name(), "sent")
			continue
		}
		res.Failure++
		d.Metrics.Push(d.Provider.Name(), "failed")
		var actorID int64
		if i < len(tokens) {
			actorID = tokens[i].ActorID
		}
		res.Failures = append(res.Failures, DeliveryFailedError{ActorID: actorID, Reason: r.Err.Error(), Err: r.Err})
	}
	if res.Failure > 0 {
		d.Logger.Warn().Int("success", res.Success).Int("failure", res.Failure).Msg("multicast push partially failed")
	}
	return res, nil
}
