package auth

import (
	"fmt"

	"dispatchline/internal/domain"
)

// Principal is the authenticated actor behind a request or live connection.
type Principal struct {
	ActorID int64       `json:"actor_id"`
	Role    domain.Role `json:"role"`
	Name    string      `json:"name,omitempty"`
}

func (p Principal) IsDispatcher() bool { return p.Role == domain.RoleDispatcher }

func (p Principal) IsDriver() bool { return p.Role == domain.RoleDriver }

// ForbiddenError indicates the actor is not entitled to the action.
type ForbiddenError struct {
	Action string
	Reason string
}

func (e ForbiddenError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("forbidden: cannot %s", e.Action)
	}
	return fmt.Sprintf("forbidden: cannot %s: %s", e.Action, e.Reason)
}

// RequireDispatcher allows dispatchers only.
func RequireDispatcher(p Principal, action string) error {
	if !p.IsDispatcher() {
		return ForbiddenError{Action: action, Reason: "dispatcher role required"}
	}
	return nil
}

// RequireAssignedDriver allows only the driver currently assigned to m.
func RequireAssignedDriver(p Principal, m domain.Mission, action string) error {
	if !p.IsDriver() {
		return ForbiddenError{Action: action, Reason: "assigned driver only"}
	}
	if !m.HasDriver() || *m.DriverID != p.ActorID {
		return ForbiddenError{Action: action, Reason: fmt.Sprintf("mission %d is not assigned to driver %d", m.ID, p.ActorID)}
	}
	return nil
}

// RequireCommenter allows dispatchers and the assigned driver.
func RequireCommenter(p Principal, m domain.Mission) error {
	if p.IsDispatcher() {
		return nil
	}
	return RequireAssignedDriver(p, m, "comment")
}

// CanView reports whether p may read m. Drivers never see drafts.
func CanView(p Principal, m domain.Mission) bool {
	if p.IsDispatcher() {
		return true
	}
	return p.IsDriver() && m.Status != domain.StatusDraft && m.HasDriver() && *m.DriverID == p.ActorID
}
