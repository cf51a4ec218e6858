package linking

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrRequestNotFound  = errors.New("link request not found")
	ErrLinkNotFound     = errors.New("link not found")
	ErrUnknownDoctor    = errors.New("doctor not found")
	ErrUnknownRequester = errors.New("requester not found")
	ErrInvalidRole      = errors.New("requester must not be a doctor")
	ErrAlreadyLinked    = errors.New("doctor and patient are already linked")
	ErrDuplicatePending = errors.New("a pending request already exists for this pair")
	ErrAlreadyResolved  = errors.New("request is already resolved")
	ErrInvalidDecision  = errors.New("decision must be accepted or rejected")
	ErrForbidden        = errors.New("request belongs to a different doctor")

	// ErrLinkCreationFailed wraps the cause of a failed accept. The
	// request has been reverted to pending; to the caller the accept
	// did not happen.
	ErrLinkCreationFailed = errors.New("link creation failed")

	// ErrCompensationFailed means the revert after a failed accept also
	// failed: the request is stranded in accepted with no backing link
	// and needs operator reconciliation.
	ErrCompensationFailed = errors.New("failed to revert request after link creation failure")
)

// RequestRepository owns LinkRequest rows. At most one pending request
// may exist per (requester, doctor) pair; the storage layer enforces
// this with a partial unique index, application checks are fast-fail
// pre-validation only.
type RequestRepository interface {
	CreatePending(ctx context.Context, requesterID, doctorID uuid.UUID, message string) (*LinkRequest, error)
	GetByID(ctx context.Context, id uuid.UUID) (*LinkRequest, error)
	HasPending(ctx context.Context, requesterID, doctorID uuid.UUID) (bool, error)

	ListPendingForDoctor(ctx context.Context, doctorID uuid.UUID) ([]LinkRequest, error)
	ListForRequester(ctx context.Context, requesterID uuid.UUID) ([]LinkRequest, error)

	// MarkResolved is a compare-and-set on status = pending so that two
	// concurrent resolutions race safely: exactly one succeeds, the
	// other gets ErrAlreadyResolved.
	MarkResolved(ctx context.Context, id uuid.UUID, to RequestStatus, resolvedBy uuid.UUID) (*LinkRequest, error)

	// RevertToPending is the compensating write used only inside the
	// accept failure path of the service. It must never be reachable
	// from a public entry point.
	RevertToPending(ctx context.Context, id uuid.UUID) (*LinkRequest, error)

	CountByStatus(ctx context.Context, doctorID uuid.UUID) (Stats, error)

	// FindStrandedAccepted returns accepted requests with no backing
	// link, i.e. leftovers of a failed compensation. Used by the
	// reconciler, read-only.
	FindStrandedAccepted(ctx context.Context) ([]LinkRequest, error)
}

// LinkRepository owns the accepted doctor-patient links.
type LinkRepository interface {
	// Create fails with ErrAlreadyLinked if the pair exists, enforced by
	// the storage layer even when the caller's own pre-check raced.
	Create(ctx context.Context, doctorID, patientID uuid.UUID) (*Link, error)
	Exists(ctx context.Context, doctorID, patientID uuid.UUID) (bool, error)

	// ExistsForUser resolves the user through patient provisioning and
	// reports whether a link to the doctor exists. False when the user
	// was never provisioned as a patient.
	ExistsForUser(ctx context.Context, doctorID, userID uuid.UUID) (bool, error)
	ListForDoctor(ctx context.Context, doctorID uuid.UUID) ([]Link, error)
	ListForPatient(ctx context.Context, patientID uuid.UUID) ([]Link, error)
}

// EventRepository is the audit sink the service logs lifecycle events to.
type EventRepository interface {
	InsertEvent(ctx context.Context, ev EventLog) error
}

// Directory resolves user identity and role, and provisions patient
// records. It is an external collaborator; this core only consumes it.
type Directory interface {
	UserExists(ctx context.Context, id uuid.UUID) (bool, Role, error)
	DoctorExists(ctx context.Context, id uuid.UUID) (bool, error)

	// ProvisionPatient returns the patient id for a user, creating the
	// patient record if none exists. Idempotent and atomic.
	ProvisionPatient(ctx context.Context, userID uuid.UUID) (uuid.UUID, error)
}
