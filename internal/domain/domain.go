package domain

// Status is the lifecycle position of a mission.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusSent      Status = "sent"
	StatusConfirmed Status = "confirmed"
	StatusPickedUp  Status = "pec"
	StatusCompleted Status = "completed"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusDraft, StatusSent, StatusConfirmed, StatusPickedUp, StatusCompleted}

// Valid reports whether s is one of the canonical statuses.
func (s Status) Valid() bool {
	for _, st := range Statuses {
		if s == st {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool { return s == StatusCompleted }

// Editable reports whether a dispatcher may still change mission fields.
func (s Status) Editable() bool { return s != StatusPickedUp && s != StatusCompleted }

// Category classifies how a mission is billed.
type Category string

const (
	CategoryReimbursable Category = "reimbursable"
	CategoryPrivate      Category = "private"
)

func (c Category) Valid() bool {
	return c == CategoryReimbursable || c == CategoryPrivate
}

// Role is the kind of actor using the system.
type Role string

const (
	RoleDispatcher Role = "dispatcher"
	RoleDriver     Role = "driver"
)

func (r Role) Valid() bool { return r == RoleDispatcher || r == RoleDriver }

type Mission struct {
	ID             int64    `json:"id"`
	Date           string   `json:"date" format:"date"`
	Time           string   `json:"time" example:"08:30"`
	ClientName     string   `json:"client_name"`
	ClientPhone    string   `json:"client_phone,omitempty"`
	Passengers     int      `json:"passengers"`
	PickupAddress  string   `json:"pickup_address"`
	DropoffAddress string   `json:"dropoff_address"`
	Category       Category `json:"category" enum:"reimbursable,private"`
	DriverID       *int64   `json:"driver_id,omitempty"`
	Status         Status   `json:"status" enum:"draft,sent,confirmed,pec,completed"`
	Notes          string   `json:"notes,omitempty"`
	Comment        *string  `json:"comment,omitempty"`
	CommentBy      *int64   `json:"comment_by,omitempty"`
	EstimatedPrice *float64 `json:"estimated_price,omitempty"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
	SentAt         *string  `json:"sent_at,omitempty" format:"date-time"`
	CompletedAt    *string  `json:"completed_at,omitempty" format:"date-time"`
}

// HasDriver reports whether a driver is assigned.
func (m Mission) HasDriver() bool { return m.DriverID != nil && *m.DriverID != 0 }

// MissionPatch carries the fields a dispatcher edit changes. Nil means untouched.
type MissionPatch struct {
	Date           *string   `json:"date,omitempty"`
	Time           *string   `json:"time,omitempty"`
	ClientName     *string   `json:"client_name,omitempty"`
	ClientPhone    *string   `json:"client_phone,omitempty"`
	Passengers     *int      `json:"passengers,omitempty"`
	PickupAddress  *string   `json:"pickup_address,omitempty"`
	DropoffAddress *string   `json:"dropoff_address,omitempty"`
	Category       *Category `json:"category,omitempty"`
	Notes          *string   `json:"notes,omitempty"`
	EstimatedPrice *float64  `json:"estimated_price,omitempty"`
	// DriverSet distinguishes "unassign" (DriverSet with nil DriverID) from "leave alone".
	DriverSet bool   `json:"-"`
	DriverID  *int64 `json:"driver_id,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p MissionPatch) Empty() bool {
	return p.Date == nil && p.Time == nil && p.ClientName == nil && p.ClientPhone == nil &&
		p.Passengers == nil && p.PickupAddress == nil && p.DropoffAddress == nil &&
		p.Category == nil && p.Notes == nil && p.EstimatedPrice == nil && !p.DriverSet
}

// Apply returns m with the patch applied.
func (p MissionPatch) Apply(m Mission) Mission {
	if p.Date != nil {
		m.Date = *p.Date
	}
	if p.Time != nil {
		m.Time = *p.Time
	}
	if p.ClientName != nil {
		m.ClientName = *p.ClientName
	}
	if p.ClientPhone != nil {
		m.ClientPhone = *p.ClientPhone
	}
	if p.Passengers != nil {
		m.Passengers = *p.Passengers
	}
	if p.PickupAddress != nil {
		m.PickupAddress = *p.PickupAddress
	}
	if p.DropoffAddress != nil {
		m.DropoffAddress = *p.DropoffAddress
	}
	if p.Category != nil {
		m.Category = *p.Category
	}
	if p.Notes != nil {
		m.Notes = *p.Notes
	}
	if p.EstimatedPrice != nil {
		m.EstimatedPrice = p.EstimatedPrice
	}
	if p.DriverSet {
		m.DriverID = p.DriverID
	}
	return m
}

// MissionFilter narrows mission listings.
type MissionFilter struct {
	From     string
	To       string
	Status   Status
	DriverID *int64
	Limit    int
}

type Actor struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Role      Role   `json:"role" enum:"dispatcher,driver"`
	Phone     string `json:"phone,omitempty"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// DeviceToken is the push target registered by a driver's device.
type DeviceToken struct {
	ActorID      int64  `json:"actor_id"`
	Token        string `json:"token"`
	RegisteredAt string `json:"registered_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    int64  `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// BulkOutcome is the result of sending one mission in a bulk dispatch.
type BulkOutcome struct {
	MissionID int64  `json:"mission_id"`
	DriverID  *int64 `json:"driver_id,omitempty"`
	Sent      bool   `json:"sent"`
	Reason    string `json:"reason,omitempty"`
}

// APIKey is a long-lived credential bound to one actor, used by in-vehicle
// devices and integrations that cannot refresh a bearer token.
type APIKey struct {
	ID         string  `json:"id"`
	ActorID    int64   `json:"actor_id"`
	Name       string  `json:"name,omitempty"`
	KeyHash    string  `json:"-"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	LastUsedAt *string `json:"last_used_at,omitempty" format:"date-time"`
}
