package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"dispatchline/internal/domain"
	"dispatchline/internal/engine/auth"
	"dispatchline/internal/live"
	"dispatchline/internal/notify"
	"dispatchline/internal/repo"
)

const defaultDevTokenTTL = 12 * time.Hour

func stamp() string { return time.Now().UTC().Format(time.RFC3339) }

func (h *handlers) registerActors(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-actors",
		Method:      http.MethodGet,
		Path:        "/actors",
		Summary:     "List dispatchers and drivers",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Role string `query:"role" enum:"dispatcher,driver"`
	}) (*output[ActorList], error) {
		if _, err := requireDispatcher(ctx, "list actors"); err != nil {
			return nil, handleError(err)
		}
		items, err := h.repo.ListActors(ctx, domain.Role(input.Role))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ActorList{Items: nonNilSlice(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-actor",
		Method:        http.MethodPost,
		Path:          "/actors",
		Summary:       "Create actor",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateActorRequest
	}) (*output[domain.Actor], error) {
		if _, err := requireDispatcher(ctx, "create actor"); err != nil {
			return nil, handleError(err)
		}
		a, err := h.repo.InsertActor(ctx, domain.Actor{
			Name:      input.Body.Name,
			Role:      input.Body.Role,
			Phone:     input.Body.Phone,
			Active:    true,
			CreatedAt: stamp(),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-actor",
		Method:      http.MethodGet,
		Path:        "/actors/{id}",
		Summary:     "Get actor",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id" minimum:"1"`
	}) (*output[domain.Actor], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if p.ActorID != input.ID {
			if err := auth.RequireDispatcher(p, "read actor"); err != nil {
				return nil, handleError(err)
			}
		}
		a, err := h.repo.GetActor(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-actor",
		Method:      http.MethodPatch,
		Path:        "/actors/{id}",
		Summary:     "Activate or deactivate an actor",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   int64 `path:"id" minimum:"1"`
		Body UpdateActorRequest
	}) (*output[domain.Actor], error) {
		if _, err := requireDispatcher(ctx, "update actor"); err != nil {
			return nil, handleError(err)
		}
		if err := h.repo.SetActorActive(ctx, input.ID, input.Body.Active); err != nil {
			return nil, handleError(err)
		}
		a, err := h.repo.GetActor(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(a), nil
	})
}

func (h *handlers) registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current actor",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*output[MeResponse], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := h.repo.GetActor(ctx, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		_, tokErr := h.repo.GetDeviceToken(ctx, p.ActorID)
		if tokErr != nil && !errors.Is(tokErr, repo.ErrNotFound) {
			return nil, handleError(tokErr)
		}
		return reply(MeResponse{Actor: a, DeviceTokenRegistered: tokErr == nil}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "register-device-token",
		Method:      http.MethodPut,
		Path:        "/me/device-token",
		Summary:     "Register the push token of the driver's device",
		Description: "Replaces any previous token of the driver. A token moving to another driver is detached from its previous owner.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body DeviceTokenRequest
	}) (*output[domain.DeviceToken], error) {
		p, err := requireRole(ctx, domain.RoleDriver, "register device token")
		if err != nil {
			return nil, handleError(err)
		}
		if h.cfg.Notify == nil {
			return nil, newAPIError(http.StatusNotImplemented, "", "push not configured", nil)
		}
		tok, err := h.cfg.Notify.RegisterToken(ctx, p.ActorID, input.Body.Token)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(tok), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-device-token",
		Method:        http.MethodDelete,
		Path:          "/me/device-token",
		Summary:       "Forget the device push token",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, _ *struct{}) (*struct{}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := h.repo.DeleteDeviceToken(ctx, p.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func (h *handlers) registerNotifications(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "notify-driver",
		Method:      http.MethodPost,
		Path:        "/notifications/drivers/{id}",
		Summary:     "Push a notification to one driver",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		ID   int64 `path:"id" minimum:"1"`
		Body NotificationRequest
	}) (*output[notify.Receipt], error) {
		if _, err := requireDispatcher(ctx, "notify driver"); err != nil {
			return nil, handleError(err)
		}
		if h.cfg.Notify == nil {
			return nil, newAPIError(http.StatusNotImplemented, "", "push not configured", nil)
		}
		receipt, err := h.cfg.Notify.NotifyDriver(ctx, input.ID, input.Body.message())
		if err != nil {
			return nil, handleError(err)
		}
		return reply(receipt), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "notify-all-drivers",
		Method:      http.MethodPost,
		Path:        "/notifications/drivers",
		Summary:     "Push a notification to every active driver",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body NotificationRequest
	}) (*output[notify.MulticastResult], error) {
		if _, err := requireDispatcher(ctx, "notify drivers"); err != nil {
			return nil, handleError(err)
		}
		if h.cfg.Notify == nil {
			return nil, newAPIError(http.StatusNotImplemented, "", "push not configured", nil)
		}
		res, err := h.cfg.Notify.NotifyAllDrivers(ctx, input.Body.message())
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})
}

func (h *handlers) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*output[EventList], error) {
		if _, err := requireDispatcher(ctx, "read events"); err != nil {
			return nil, handleError(err)
		}
		items, err := h.repo.LatestEvents(ctx, normalizeLimit(input.Limit), input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := EventList{Items: []EventResponse{}}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return reply(resp), nil
	})
}

func eventResponse(evt domain.Event) EventResponse {
	var payload any = map[string]any{}
	if evt.Payload != "" {
		if err := json.Unmarshal([]byte(evt.Payload), &payload); err != nil {
			payload = evt.Payload
		}
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}

func (h *handlers) registerSessions(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List live sessions connected to this instance",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*output[SessionList], error) {
		if _, err := requireDispatcher(ctx, "list sessions"); err != nil {
			return nil, handleError(err)
		}
		resp := SessionList{Items: []live.Session{}}
		if h.cfg.Sessions != nil {
			resp.Items = nonNilSlice(h.cfg.Sessions.Sessions())
		}
		return reply(resp), nil
	})
}

func (h *handlers) registerAPIKeys(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Issue an API key for an actor",
		Description:   "The key is returned once. In-vehicle terminals use it instead of a bearer token.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest
	}) (*output[APIKeyCreated], error) {
		if _, err := requireDispatcher(ctx, "issue api key"); err != nil {
			return nil, handleError(err)
		}
		key, err := repo.GenerateAPIKey()
		if err != nil {
			return nil, handleError(err)
		}
		rec := domain.APIKey{
			ID:        uuid.NewString(),
			ActorID:   input.Body.ActorID,
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(key),
			CreatedAt: stamp(),
		}
		if err := h.repo.InsertAPIKey(ctx, rec); err != nil {
			return nil, handleError(err)
		}
		return reply(APIKeyCreated{APIKey: rec, Key: key}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ActorID int64 `query:"actor_id"`
	}) (*output[APIKeyList], error) {
		if _, err := requireDispatcher(ctx, "list api keys"); err != nil {
			return nil, handleError(err)
		}
		items, err := h.repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(APIKeyList{Items: nonNilSlice(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-api-key",
		Method:        http.MethodDelete,
		Path:          "/api-keys/{id}",
		Summary:       "Revoke an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if _, err := requireDispatcher(ctx, "revoke api key"); err != nil {
			return nil, handleError(err)
		}
		if err := h.repo.DeleteAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func (h *handlers) registerDevAuth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a bearer token for an existing actor",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest
	}) (*output[DevLoginResponse], error) {
		a, err := h.repo.GetActor(ctx, input.Body.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		if !a.Active {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor is inactive", nil)
		}
		ttl := defaultDevTokenTTL
		if input.Body.TTLSeconds > 0 {
			ttl = time.Duration(input.Body.TTLSeconds) * time.Second
		}
		token, err := h.cfg.Tokens.Mint(auth.Principal{ActorID: a.ID, Role: a.Role, Name: a.Name}, ttl)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return reply(DevLoginResponse{Token: token, ExpiresAt: time.Now().Add(ttl).UTC().Format(time.RFC3339)}), nil
	})
}
