package linking

import (
	"time"

	"github.com/google/uuid"
)

type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusAccepted RequestStatus = "accepted"
	StatusRejected RequestStatus = "rejected"
)

// Role is the directory-level role of a user account.
type Role string

const (
	RoleUser   Role = "user"
	RoleDoctor Role = "doctor"
)

// LinkRequest is a user's request to become a doctor's patient.
// resolved_at/resolved_by are set exactly once, when the request
// leaves pending.
type LinkRequest struct {
	ID          uuid.UUID
	RequesterID uuid.UUID
	DoctorID    uuid.UUID
	Message     string
	Status      RequestStatus
	CreatedAt   time.Time
	ResolvedAt  *time.Time
	ResolvedBy  *uuid.UUID
}

// Link is the durable accepted doctor-patient relationship. The
// (DoctorID, PatientID) pair is unique across all links.
type Link struct {
	DoctorID  uuid.UUID
	PatientID uuid.UUID
	CreatedAt time.Time
}

// Stats aggregates a doctor's request queue by status.
type Stats struct {
	Pending  int
	Accepted int
	Rejected int
	Total    int
}

type EventLog struct {
	ID        int64
	EventType string
	RequestID *uuid.UUID
	Payload   []byte
	CreatedAt time.Time
}
