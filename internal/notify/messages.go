package notify

import (
	"fmt"
	"strconv"

	"dispatchline/internal/domain"
	"dispatchline/internal/events"
)

// Notification is one push the fallback wants delivered.
type Notification struct {
	DriverID int64
	Message  Message
}

func missionData(kind string, m domain.Mission) map[string]string {
	id := strconv.FormatInt(m.ID, 10)
	return map[string]string{
		"type":         kind,
		"mission_id":   id,
		"date":         m.Date,
		"status":       string(m.Status),
		"click_action": "/missions/" + id,
	}
}

func missionSummary(m domain.Mission) string {
	return fmt.Sprintf("%s %s · %s → %s", m.Date, m.Time, m.PickupAddress, m.DropoffAddress)
}

// Plan returns the pushes an event calls for. Drafts are invisible to
// drivers, so changes to them never notify anyone.
func Plan(ev events.MissionEvent) []Notification {
	if ev.Quiet || ev.Mission == nil {
		return nil
	}
	m := *ev.Mission
	driver, hasDriver := ev.DriverID()
	var out []Notification
	switch ev.Kind {
	case events.KindSent:
		if hasDriver {
			out = append(out, Notification{DriverID: driver, Message: Message{
				Title: "Nouvelle mission",
				Body:  missionSummary(m),
				Data:  missionData("mission_envoyee", m),
			}})
		}
	case events.KindModified:
		if m.Status == domain.StatusDraft {
			return nil
		}
		if hasDriver {
			out = append(out, Notification{DriverID: driver, Message: Message{
				Title: "Mission modifiée",
				Body:  missionSummary(m),
				Data:  missionData("mission_modifiee", m),
			}})
		}
		if ev.PreviousDriverID != nil && (!hasDriver || *ev.PreviousDriverID != driver) {
			data := missionData("mission_retiree", m)
			data["click_action"] = "/missions"
			out = append(out, Notification{DriverID: *ev.PreviousDriverID, Message: Message{
				Title: "Mission retirée",
				Body:  fmt.Sprintf("La mission du %s à %s ne vous est plus attribuée", m.Date, m.Time),
				Data:  data,
			}})
		}
	case events.KindDeleted:
		if m.Status == domain.StatusDraft || !hasDriver {
			return nil
		}
		data := missionData("mission_supprimee", m)
		data["click_action"] = "/missions"
		out = append(out, Notification{DriverID: driver, Message: Message{
			Title: "Mission annulée",
			Body:  missionSummary(m),
			Data:  data,
		}})
	}
	return out
}

// BulkMessage is the grouped push a driver receives after a day is sent.
func BulkMessage(date string, count int) Message {
	body := fmt.Sprintf("%d nouvelles missions pour le %s", count, date)
	if count == 1 {
		body = fmt.Sprintf("1 nouvelle mission pour le %s", date)
	}
	return Message{
		Title: "Missions envoyées",
		Body:  body,
		Data: map[string]string{
			"type":         "missions_envoyees",
			"date":         date,
			"count":        strconv.Itoa(count),
			"click_action": "/missions?date=" + date,
		},
	}
}
