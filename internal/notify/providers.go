package notify

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// LogProvider writes notifications to the log instead of a device. Used when
// no push backend is configured.
type LogProvider struct {
	Logger zerolog.Logger
}

func (LogProvider) Name() string { return "log" }

func (p LogProvider) Send(_ context.Context, token string, msg Message) (string, error) {
	id := uuid.NewString()
	p.Logger.Info().Str("receipt", id).Str("token", mask(token)).Str("title", msg.Title).
		Str("body", msg.Body).Str("link", msg.Link()).Msg("push notification")
	return id, nil
}

func (p LogProvider) SendMulticast(ctx context.Context, tokens []string, msg Message) []Result {
	return sendEach(ctx, p, tokens, msg, 1)
}

// sendEach fans a multicast out as individual sends, at most limit at a time.
func sendEach(ctx context.Context, p Provider, tokens []string, msg Message, limit int) []Result {
	results := make([]Result, len(tokens))
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, tok := range tokens {
		g.Go(func() error {
			id, err := p.Send(ctx, tok, msg)
			results[i] = Result{Token: tok, ReceiptID: id, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func mask(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "…" + token[len(token)-4:]
}
