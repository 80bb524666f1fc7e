package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"dispatchline/internal/domain"
	"dispatchline/internal/engine/auth"
	"dispatchline/internal/live"
	"dispatchline/internal/repo"
)

type principalKey struct{}

var errInactiveActor = errors.New("actor is inactive")

func withPrincipal(ctx context.Context, p auth.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (auth.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(auth.Principal)
	return p, ok
}

func principalFromRequest(ctx context.Context) (auth.Principal, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.ActorID != 0 {
		return p, nil
	}
	return auth.Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

// authenticator resolves bearer tokens and API keys to principals. The
// stored actor is authoritative: a deactivated actor loses access even with
// an unexpired token, and a role change applies immediately.
type authenticator struct {
	tokens auth.Tokens
	repo   repo.Repo
	now    func() time.Time
}

func (a authenticator) principalFor(ctx context.Context, actorID int64) (auth.Principal, error) {
	actor, err := a.repo.GetActor(ctx, actorID)
	if err != nil {
		return auth.Principal{}, err
	}
	if !actor.Active {
		return auth.Principal{}, errInactiveActor
	}
	return auth.Principal{ActorID: actor.ID, Role: actor.Role, Name: actor.Name}, nil
}

func (a authenticator) bearer(ctx context.Context, token string) (auth.Principal, error) {
	claimed, err := a.tokens.Parse(token)
	if err != nil {
		return auth.Principal{}, err
	}
	return a.principalFor(ctx, claimed.ActorID)
}

func (a authenticator) apiKey(ctx context.Context, key string) (auth.Principal, error) {
	if strings.TrimSpace(key) == "" {
		return auth.Principal{}, errors.New("api key required")
	}
	k, err := a.repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return auth.Principal{}, err
	}
	p, err := a.principalFor(ctx, k.ActorID)
	if err != nil {
		return p, err
	}
	now := time.Now
	if a.now != nil {
		now = a.now
	}
	_ = a.repo.TouchAPIKey(ctx, k.ID, now().UTC().Format(time.RFC3339))
	return p, nil
}

// request authenticates r from the Authorization header, X-Api-Key, or
// the token query parameter used by websocket clients.
func (a authenticator) request(r *http.Request) (auth.Principal, error) {
	if key := strings.TrimSpace(r.Header.Get("X-Api-Key")); key != "" && r.Header.Get("Authorization") == "" {
		return a.apiKey(r.Context(), key)
	}
	token := live.Token(r)
	if token == "" {
		return auth.Principal{}, errors.New("authentication required")
	}
	return a.bearer(r.Context(), token)
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, a authenticator, public ...string) func(http.Handler) http.Handler {
	open := map[string]bool{path.Join(basePath, "health"): true}
	for _, p := range public {
		open[path.Join(basePath, p)] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for API base path.
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if open[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKeyHeader := strings.TrimSpace(req.Header.Get("X-Api-Key"))

			var (
				principal auth.Principal
				err       error
			)
			switch {
			case authz != "":
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				principal, err = a.bearer(req.Context(), token)
			case apiKeyHeader != "":
				principal, err = a.apiKey(req.Context(), apiKeyHeader)
			default:
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			if err != nil {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}

func requireDispatcher(ctx context.Context, action string) (auth.Principal, error) {
	p, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return p, authErr
	}
	return p, auth.RequireDispatcher(p, action)
}

func requireRole(ctx context.Context, role domain.Role, action string) (auth.Principal, error) {
	p, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return p, authErr
	}
	if p.Role != role {
		return p, auth.ForbiddenError{Action: action, Reason: string(role) + " role required"}
	}
	return p, nil
}
