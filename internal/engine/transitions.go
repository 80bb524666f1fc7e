package engine

import (
	"fmt"

	"dispatchline/internal/domain"
	"dispatchline/internal/engine/auth"
)

type transitionRule struct {
	From   domain.Status
	To     domain.Status
	Role   domain.Role
	Action string
}

// transitionTable lists every allowed status edge. Driver edges are reserved
// to the driver assigned to the mission.
var transitionTable = []transitionRule{
	{From: domain.StatusDraft, To: domain.StatusSent, Role: domain.RoleDispatcher, Action: "send"},
	{From: domain.StatusSent, To: domain.StatusConfirmed, Role: domain.RoleDriver, Action: "confirm"},
	{From: domain.StatusConfirmed, To: domain.StatusPickedUp, Role: domain.RoleDriver, Action: "pick up"},
	{From: domain.StatusPickedUp, To: domain.StatusCompleted, Role: domain.RoleDriver, Action: "complete"},
}

func lookupTransition(from, to domain.Status) (transitionRule, error) {
	for _, r := range transitionTable {
		if r.From == from && r.To == to {
			return r, nil
		}
	}
	return transitionRule{}, InvalidTransitionError{From: from, To: to}
}

func (r transitionRule) authorize(p auth.Principal, m domain.Mission) error {
	if r.Role == domain.RoleDispatcher {
		return auth.RequireDispatcher(p, r.Action)
	}
	return auth.RequireAssignedDriver(p, m, r.Action)
}

func (r transitionRule) precondition(m domain.Mission) error {
	if r.To == domain.StatusSent && !m.HasDriver() {
		return PreconditionError{Reason: "cannot send: no driver assigned"}
	}
	return nil
}

// NextStatus returns the status a mission in s moves to, if any.
func NextStatus(s domain.Status) (domain.Status, bool) {
	for _, r := range transitionTable {
		if r.From == s {
			return r.To, true
		}
	}
	return "", false
}

// ParseStatus accepts canonical status names plus the legacy aliases used by
// older clients ("brouillon", "envoyee", ...).
func ParseStatus(v string) (domain.Status, error) {
	s := domain.Status(v)
	if s.Valid() {
		return s, nil
	}
	switch v {
	case "brouillon":
		return domain.StatusDraft, nil
	case "envoyee":
		return domain.StatusSent, nil
	case "confirmee":
		return domain.StatusConfirmed, nil
	case "terminee":
		return domain.StatusCompleted, nil
	}
	return "", ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", v)}
}
