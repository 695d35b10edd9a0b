package models

import "time"

// ActorRole identifies which party a position sample belongs to
type ActorRole string

const (
	RoleClient     ActorRole = "client"
	RoleTechnician ActorRole = "technician"
)

// PositionSample is one timestamped GPS fix for one actor.
// Only the latest sample per actor is retained in a tracking session.
type PositionSample struct {
	ActorRole  ActorRole `json:"actorRole"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	CapturedAt time.Time `json:"capturedAt"`
}

// TrackingState is the derived tracking view-model, recomputed whenever
// either party's position changes.
type TrackingState struct {
	ClientPosition     *PositionSample `json:"clientPosition,omitempty"`
	TechnicianPosition *PositionSample `json:"technicianPosition,omitempty"`
	DistanceKm         *float64        `json:"distanceKm,omitempty"`
	EtaAt              *time.Time      `json:"etaAt,omitempty"`
	IsMoving           bool            `json:"isMoving"`
}
