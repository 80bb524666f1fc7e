package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"dispatchline/internal/domain"
	"dispatchline/internal/engine"
)

var missionErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
}

type missionPath struct {
	ID int64 `path:"id" minimum:"1"`
}

func (h *handlers) registerMissions(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-missions",
		Method:      http.MethodGet,
		Path:        "/missions",
		Summary:     "List missions",
		Description: "Dispatchers see every mission; drivers see their own missions once sent.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Date     string `query:"date" format:"date"`
		From     string `query:"from" format:"date"`
		To       string `query:"to" format:"date"`
		Status   string `query:"status"`
		DriverID int64  `query:"driver_id"`
		Limit    int    `query:"limit"`
	}) (*output[MissionList], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f := domain.MissionFilter{From: input.From, To: input.To, Limit: input.Limit}
		if input.Date != "" {
			f.From, f.To = input.Date, input.Date
		}
		if input.Status != "" {
			status, err := engine.ParseStatus(input.Status)
			if err != nil {
				return nil, handleError(err)
			}
			f.Status = status
		}
		if input.DriverID > 0 {
			f.DriverID = &input.DriverID
		}
		items, err := h.cfg.Engine.ListMissions(ctx, p, f)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(MissionList{Items: nonNilSlice(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-mission",
		Method:        http.MethodPost,
		Path:          "/missions",
		Summary:       "Create a draft mission",
		DefaultStatus: http.StatusCreated,
		Errors:        missionErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateMissionRequest
	}) (*output[domain.Mission], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := h.cfg.Engine.CreateMission(ctx, p, input.Body.mission())
		if err != nil {
			return nil, handleError(err)
		}
		return reply(m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "day-summary",
		Method:      http.MethodGet,
		Path:        "/missions/summary",
		Summary:     "Count one day's missions by status",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Date string `query:"date" format:"date" required:"true"`
	}) (*output[DaySummaryResponse], error) {
		if _, err := requireDispatcher(ctx, "read day summary"); err != nil {
			return nil, handleError(err)
		}
		if _, err := time.Parse("2006-01-02", input.Date); err != nil {
			return nil, handleError(engine.ValidationError{Field: "date", Message: "expected YYYY-MM-DD"})
		}
		counts, err := h.repo.CountMissionsByStatus(ctx, input.Date)
		if err != nil {
			return nil, handleError(err)
		}
		resp := DaySummaryResponse{Date: input.Date, Counts: map[string]int{}}
		for _, s := range domain.Statuses {
			resp.Counts[string(s)] = counts[s]
			resp.Total += counts[s]
		}
		return reply(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mission",
		Method:      http.MethodGet,
		Path:        "/missions/{id}",
		Summary:     "Get mission",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *missionPath) (*output[domain.Mission], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := h.cfg.Engine.GetMission(ctx, p, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-mission",
		Method:      http.MethodPatch,
		Path:        "/missions/{id}",
		Summary:     "Edit mission fields",
		Description: "Allowed until the driver picks the client up. Send driver_id null to unassign a draft.",
		Errors:      missionErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64 `path:"id" minimum:"1"`
		Body UpdateMissionRequest
	}) (*output[domain.Mission], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		raw, present := rawBodyMap(ctx)["driver_id"]
		unassign := present && isNullRaw(raw)
		m, err := h.cfg.Engine.EditMission(ctx, p, input.ID, input.Body.patch(unassign))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-mission",
		Method:      http.MethodDelete,
		Path:        "/missions/{id}",
		Summary:     "Delete mission",
		Description: "Returns the last known state of the deleted mission.",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *missionPath) (*output[domain.Mission], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := h.cfg.Engine.DeleteMission(ctx, p, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(m), nil
	})
}

// transitionAliases are the action routes older clients call instead of
// POST /missions/{id}/status.
var transitionAliases = []struct {
	action string
	to     domain.Status
}{
	{"envoyer", domain.StatusSent},
	{"confirmer", domain.StatusConfirmed},
	{"pec", domain.StatusPickedUp},
	{"terminer", domain.StatusCompleted},
}

func (h *handlers) transition(ctx context.Context, id int64, to domain.Status) (*output[domain.Mission], error) {
	p, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return nil, authErr
	}
	m, err := h.cfg.Engine.ApplyTransition(ctx, engine.TransitionRequest{MissionID: id, To: to, Actor: p})
	if err != nil {
		return nil, handleError(err)
	}
	return reply(m), nil
}

func (h *handlers) registerTransitions(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "transition-mission",
		Method:      http.MethodPost,
		Path:        "/missions/{id}/status",
		Summary:     "Move a mission to its next status",
		Errors:      missionErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64 `path:"id" minimum:"1"`
		Body TransitionRequest
	}) (*output[domain.Mission], error) {
		to, err := engine.ParseStatus(input.Body.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return h.transition(ctx, input.ID, to)
	})

	for _, alias := range transitionAliases {
		to := alias.to
		huma.Register(api, huma.Operation{
			OperationID: "mission-" + alias.action,
			Method:      http.MethodPost,
			Path:        "/missions/{id}/" + alias.action,
			Summary:     "Move a mission to " + string(to),
			Errors:      missionErrors,
		}, func(ctx context.Context, input *missionPath) (*output[domain.Mission], error) {
			return h.transition(ctx, input.ID, to)
		})
	}

	for _, route := range []string{"comment", "commentaire"} {
		huma.Register(api, huma.Operation{
			OperationID: "mission-" + route,
			Method:      http.MethodPost,
			Path:        "/missions/{id}/" + route,
			Summary:     "Comment on a mission",
			Errors:      missionErrors,
		}, func(ctx context.Context, input *struct {
			ID   int64 `path:"id" minimum:"1"`
			Body CommentRequest
		}) (*output[domain.Mission], error) {
			p, authErr := principalFromRequest(ctx)
			if authErr != nil {
				return nil, authErr
			}
			m, err := h.cfg.Engine.Comment(ctx, p, input.ID, input.Body.Comment)
			if err != nil {
				return nil, handleError(err)
			}
			return reply(m), nil
		})
	}
}

func (h *handlers) registerBulk(api huma.API) {
	for _, route := range []string{"send-day", "envoyer-date"} {
		huma.Register(api, huma.Operation{
			OperationID: "missions-" + route,
			Method:      http.MethodPost,
			Path:        "/missions/" + route,
			Summary:     "Send every draft mission of a day",
			Description: "Missions without a driver are skipped and reported; one failure never aborts the others.",
			Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
		}, func(ctx context.Context, input *struct {
			Body SendDayRequest
		}) (*output[BulkResponse], error) {
			p, authErr := principalFromRequest(ctx)
			if authErr != nil {
				return nil, authErr
			}
			if h.cfg.Bulk == nil {
				return nil, newAPIError(http.StatusNotImplemented, "", "bulk dispatch not configured", nil)
			}
			sum, err := h.cfg.Bulk.SendDay(ctx, input.Body.Date, p)
			if err != nil {
				return nil, handleError(err)
			}
			return reply(sum), nil
		})
	}
}
