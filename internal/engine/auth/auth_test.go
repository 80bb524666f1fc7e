package auth

import (
	"errors"
	"testing"
	"time"

	"dispatchline/internal/domain"
)

func missionFor(driver int64) domain.Mission {
	m := domain.Mission{ID: 42, Status: domain.StatusSent}
	if driver != 0 {
		m.DriverID = &driver
	}
	return m
}

func TestRequireAssignedDriver(t *testing.T) {
	m := missionFor(7)
	cases := []struct {
		name string
		p    Principal
		ok   bool
	}{
		{"assigned driver", Principal{ActorID: 7, Role: domain.RoleDriver}, true},
		{"other driver", Principal{ActorID: 9, Role: domain.RoleDriver}, false},
		{"dispatcher", Principal{ActorID: 7, Role: domain.RoleDispatcher}, false},
	}
	for _, tc := range cases {
		err := RequireAssignedDriver(tc.p, m, "confirm")
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok {
			var fe ForbiddenError
			if !errors.As(err, &fe) {
				t.Fatalf("%s: expected ForbiddenError got %v", tc.name, err)
			}
		}
	}
	if err := RequireAssignedDriver(Principal{ActorID: 7, Role: domain.RoleDriver}, missionFor(0), "confirm"); err == nil {
		t.Fatalf("expected unassigned mission to be forbidden")
	}
}

func TestCommenterAndView(t *testing.T) {
	m := missionFor(7)
	if err := RequireCommenter(Principal{ActorID: 1, Role: domain.RoleDispatcher}, m); err != nil {
		t.Fatalf("dispatcher comment: %v", err)
	}
	if err := RequireCommenter(Principal{ActorID: 9, Role: domain.RoleDriver}, m); err == nil {
		t.Fatalf("expected other driver comment forbidden")
	}
	if !CanView(Principal{ActorID: 7, Role: domain.RoleDriver}, m) {
		t.Fatalf("assigned driver should view sent mission")
	}
	m.Status = domain.StatusDraft
	if CanView(Principal{ActorID: 7, Role: domain.RoleDriver}, m) {
		t.Fatalf("driver should not view draft")
	}
}

func TestTokensRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	tk := Tokens{Secret: "s3cret", Issuer: "dispatchline", Now: func() time.Time { return now }}
	raw, err := tk.Mint(Principal{ActorID: 7, Role: domain.RoleDriver, Name: "Ana"}, time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	p, err := tk.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.ActorID != 7 || p.Role != domain.RoleDriver || p.Name != "Ana" {
		t.Fatalf("unexpected principal %+v", p)
	}

	later := Tokens{Secret: "s3cret", Issuer: "dispatchline", Now: func() time.Time { return now.Add(2 * time.Hour) }}
	if _, err := later.Parse(raw); err == nil {
		t.Fatalf("expected expired token rejected")
	}
	if _, err := (Tokens{Secret: "other"}).Parse(raw); err == nil {
		t.Fatalf("expected wrong secret rejected")
	}
}
