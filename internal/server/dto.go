package server

import (
	"dispatchline/internal/bulk"
	"dispatchline/internal/domain"
	"dispatchline/internal/live"
	"dispatchline/internal/notify"
)

// Request payloads

type CreateMissionRequest struct {
	Date           string          `json:"date" format:"date" example:"2025-01-10"`
	Time           string          `json:"time" example:"08:30"`
	ClientName     string          `json:"client_name" minLength:"1"`
	ClientPhone    string          `json:"client_phone,omitempty"`
	Passengers     int             `json:"passengers,omitempty" minimum:"1"`
	PickupAddress  string          `json:"pickup_address" minLength:"1"`
	DropoffAddress string          `json:"dropoff_address" minLength:"1"`
	Category       domain.Category `json:"category,omitempty" enum:"reimbursable,private"`
	DriverID       *int64          `json:"driver_id,omitempty"`
	Notes          string          `json:"notes,omitempty"`
	EstimatedPrice *float64        `json:"estimated_price,omitempty"`
}

func (r CreateMissionRequest) mission() domain.Mission {
	return domain.Mission{
		Date:           r.Date,
		Time:           r.Time,
		ClientName:     r.ClientName,
		ClientPhone:    r.ClientPhone,
		Passengers:     r.Passengers,
		PickupAddress:  r.PickupAddress,
		DropoffAddress: r.DropoffAddress,
		Category:       r.Category,
		DriverID:       r.DriverID,
		Notes:          r.Notes,
		EstimatedPrice: r.EstimatedPrice,
	}
}

// UpdateMissionRequest is a partial update. Sending "driver_id": null
// unassigns the driver; omitting it leaves the assignment alone.
type UpdateMissionRequest struct {
	Date           *string          `json:"date,omitempty" format:"date"`
	Time           *string          `json:"time,omitempty"`
	ClientName     *string          `json:"client_name,omitempty"`
	ClientPhone    *string          `json:"client_phone,omitempty"`
	Passengers     *int             `json:"passengers,omitempty"`
	PickupAddress  *string          `json:"pickup_address,omitempty"`
	DropoffAddress *string          `json:"dropoff_address,omitempty"`
	Category       *domain.Category `json:"category,omitempty" enum:"reimbursable,private"`
	DriverID       *int64           `json:"driver_id,omitempty" nullable:"true"`
	Notes          *string          `json:"notes,omitempty"`
	EstimatedPrice *float64         `json:"estimated_price,omitempty"`
}

func (r UpdateMissionRequest) patch(driverSet bool) domain.MissionPatch {
	return domain.MissionPatch{
		Date:           r.Date,
		Time:           r.Time,
		ClientName:     r.ClientName,
		ClientPhone:    r.ClientPhone,
		Passengers:     r.Passengers,
		PickupAddress:  r.PickupAddress,
		DropoffAddress: r.DropoffAddress,
		Category:       r.Category,
		Notes:          r.Notes,
		EstimatedPrice: r.EstimatedPrice,
		DriverSet:      driverSet || r.DriverID != nil,
		DriverID:       r.DriverID,
	}
}

type TransitionRequest struct {
	Status string `json:"status" example:"confirmed" doc:"Target status; legacy names such as envoyee are accepted"`
}

type CommentRequest struct {
	Comment string `json:"comment" minLength:"1"`
}

type SendDayRequest struct {
	Date string `json:"date" format:"date" example:"2025-01-10"`
}

type CreateActorRequest struct {
	Name  string      `json:"name" minLength:"1"`
	Role  domain.Role `json:"role" enum:"dispatcher,driver"`
	Phone string      `json:"phone,omitempty"`
}

type UpdateActorRequest struct {
	Active bool `json:"active"`
}

type DeviceTokenRequest struct {
	Token string `json:"token" minLength:"1"`
}

type NotificationRequest struct {
	Title string            `json:"title" minLength:"1"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

func (r NotificationRequest) message() notify.Message {
	return notify.Message{Title: r.Title, Body: r.Body, Data: r.Data}
}

type DevLoginRequest struct {
	ActorID    int64 `json:"actor_id" minimum:"1"`
	TTLSeconds int   `json:"ttl_seconds,omitempty" minimum:"0"`
}

type CreateAPIKeyRequest struct {
	ActorID int64  `json:"actor_id" minimum:"1"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type MissionList struct {
	Items []domain.Mission `json:"items"`
}

type DaySummaryResponse struct {
	Date   string         `json:"date" format:"date"`
	Counts map[string]int `json:"counts"`
	Total  int            `json:"total"`
}

type BulkResponse = bulk.Summary

type ActorList struct {
	Items []domain.Actor `json:"items"`
}

type MeResponse struct {
	Actor                 domain.Actor `json:"actor"`
	DeviceTokenRegistered bool         `json:"device_token_registered"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    int64  `json:"actor_id"`
	Payload    any    `json:"payload"`
}

type EventList struct {
	Items []EventResponse `json:"items"`
}

type SessionList struct {
	Items []live.Session `json:"items"`
}

type DevLoginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at,omitempty" format:"date-time"`
}

type APIKeyCreated struct {
	APIKey domain.APIKey `json:"api_key"`
	// Key is returned once; only its hash is stored.
	Key string `json:"key"`
}

type APIKeyList struct {
	Items []domain.APIKey `json:"items"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
