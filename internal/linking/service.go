package linking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	redisclient "github.com/carebridge/care-linking/internal/redis"
)

const (
	EventRequestCreated     = "LINK_REQUEST_CREATED"
	EventRequestAccepted    = "LINK_REQUEST_ACCEPTED"
	EventRequestRejected    = "LINK_REQUEST_REJECTED"
	EventRequestReverted    = "LINK_REQUEST_REVERTED"
	EventLinkCreated        = "LINK_CREATED"
	EventCompensationFailed = "COMPENSATION_FAILED"
)

var (
	ErrPairBusy = errors.New("a request for this pair is currently being submitted, please retry")
)

type Service struct {
	requests RequestRepository
	links    LinkRepository
	events   EventRepository
	dir      Directory
	locker   redisclient.Locker
}

func NewService(requests RequestRepository, links LinkRepository, events EventRepository, dir Directory, locker redisclient.Locker) *Service {
	return &Service{
		requests: requests,
		links:    links,
		events:   events,
		dir:      dir,
		locker:   locker,
	}
}

// Submit creates a pending link request from a non-doctor user to a
// doctor. Preconditions are checked in a fixed order so each failure
// surfaces as its own error kind; the storage constraints back the
// duplicate checks if two submissions race past the lock.
func (s *Service) Submit(ctx context.Context, requesterID, doctorID uuid.UUID, message string) (*LinkRequest, error) {
	exists, err := s.dir.DoctorExists(ctx, doctorID)
	if err != nil {
		return nil, fmt.Errorf("check doctor: %w", err)
	}
	if !exists {
		return nil, ErrUnknownDoctor
	}

	found, role, err := s.dir.UserExists(ctx, requesterID)
	if err != nil {
		return nil, fmt.Errorf("check requester: %w", err)
	}
	if !found {
		return nil, ErrUnknownRequester
	}
	if role == RoleDoctor {
		return nil, ErrInvalidRole
	}

	var created *LinkRequest

	err = s.locker.WithPairLock(ctx, requesterID, doctorID, func(lockCtx context.Context) error {
		linked, err := s.links.ExistsForUser(lockCtx, doctorID, requesterID)
		if err != nil {
			return fmt.Errorf("check existing link: %w", err)
		}
		if linked {
			return ErrAlreadyLinked
		}

		// Fast-fail pre-check; CreatePending enforces this again at the
		// storage layer.
		dup, err := s.requests.HasPending(lockCtx, requesterID, doctorID)
		if err != nil {
			return fmt.Errorf("check pending request: %w", err)
		}
		if dup {
			return ErrDuplicatePending
		}

		req, err := s.requests.CreatePending(lockCtx, requesterID, doctorID, message)
		if err != nil {
			return fmt.Errorf("create link request: %w", err)
		}

		created = req

		s.logEvent(lockCtx, req.ID, EventRequestCreated, map[string]any{
			"requester_id": requesterID.String(),
			"doctor_id":    doctorID.String(),
		})

		return nil
	})

	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrPairBusy
		}
		return nil, err
	}

	return created, nil
}

// Resolve applies a doctor's accept/reject decision to a pending
// request. Accepting provisions the patient record and creates the
// link; if either step fails the request is reverted to pending so the
// accept never happened as far as the caller can tell.
func (s *Service) Resolve(ctx context.Context, requestID, doctorID uuid.UUID, decision RequestStatus, resolvedBy uuid.UUID) (*LinkRequest, *Link, error) {
	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}

	if req.DoctorID != doctorID {
		return nil, nil, ErrForbidden
	}

	if decision != StatusAccepted && decision != StatusRejected {
		return nil, nil, ErrInvalidDecision
	}

	// Compare-and-set on pending: of two concurrent resolutions exactly
	// one passes this point.
	resolved, err := s.requests.MarkResolved(ctx, requestID, decision, resolvedBy)
	if err != nil {
		return nil, nil, err
	}

	if decision == StatusRejected {
		s.logEvent(ctx, resolved.ID, EventRequestRejected, map[string]any{
			"resolved_by": resolvedBy.String(),
		})
		return resolved, nil, nil
	}

	patientID, err := s.dir.ProvisionPatient(ctx, req.RequesterID)
	if err != nil {
		return nil, nil, s.compensate(ctx, requestID, fmt.Errorf("provision patient: %w", err))
	}

	link, err := s.links.Create(ctx, doctorID, patientID)
	if err != nil {
		return nil, nil, s.compensate(ctx, requestID, err)
	}

	s.logEvent(ctx, resolved.ID, EventRequestAccepted, map[string]any{
		"resolved_by": resolvedBy.String(),
		"patient_id":  patientID.String(),
	})
	s.logEvent(ctx, resolved.ID, EventLinkCreated, map[string]any{
		"doctor_id":  doctorID.String(),
		"patient_id": patientID.String(),
	})

	return resolved, link, nil
}

// compensate reverts a request that was marked accepted before link
// creation failed. If the revert itself fails the request is left
// stranded in accepted; that is surfaced as ErrCompensationFailed and
// logged for manual reconciliation.
func (s *Service) compensate(ctx context.Context, requestID uuid.UUID, cause error) error {
	if _, revErr := s.requests.RevertToPending(ctx, requestID); revErr != nil {
		log.Printf("RECONCILE: request %s stranded in accepted, revert failed: %v (original failure: %v)", requestID, revErr, cause)
		s.logEvent(ctx, requestID, EventCompensationFailed, map[string]any{
			"revert_error":   revErr.Error(),
			"original_error": cause.Error(),
		})
		return fmt.Errorf("%w: %v (original failure: %v)", ErrCompensationFailed, revErr, cause)
	}

	s.logEvent(ctx, requestID, EventRequestReverted, map[string]any{
		"reason": cause.Error(),
	})

	return fmt.Errorf("%w: %w", ErrLinkCreationFailed, cause)
}

func (s *Service) GetRequest(ctx context.Context, id uuid.UUID) (*LinkRequest, error) {
	req, err := s.requests.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return req, nil
}

func (s *Service) ListPendingForDoctor(ctx context.Context, doctorID uuid.UUID) ([]LinkRequest, error) {
	reqs, err := s.requests.ListPendingForDoctor(ctx, doctorID)
	if err != nil {
		return nil, fmt.Errorf("list pending requests: %w", err)
	}
	return reqs, nil
}

func (s *Service) ListForRequester(ctx context.Context, requesterID uuid.UUID) ([]LinkRequest, error) {
	reqs, err := s.requests.ListForRequester(ctx, requesterID)
	if err != nil {
		return nil, fmt.Errorf("list requests by requester: %w", err)
	}
	return reqs, nil
}

func (s *Service) ListLinksForDoctor(ctx context.Context, doctorID uuid.UUID) ([]Link, error) {
	links, err := s.links.ListForDoctor(ctx, doctorID)
	if err != nil {
		return nil, fmt.Errorf("list links by doctor: %w", err)
	}
	return links, nil
}

func (s *Service) ListLinksForPatient(ctx context.Context, patientID uuid.UUID) ([]Link, error) {
	links, err := s.links.ListForPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("list links by patient: %w", err)
	}
	return links, nil
}

// Stats is a pure aggregate read over a doctor's request queue.
func (s *Service) Stats(ctx context.Context, doctorID uuid.UUID) (Stats, error) {
	stats, err := s.requests.CountByStatus(ctx, doctorID)
	if err != nil {
		return Stats{}, fmt.Errorf("count requests: %w", err)
	}
	return stats, nil
}

// FindStrandedAccepted is intended to be called by the reconciler
// periodically. It reports, read-only, accepted requests that have no
// backing link.
func (s *Service) FindStrandedAccepted(ctx context.Context) ([]LinkRequest, error) {
	reqs, err := s.requests.FindStrandedAccepted(ctx)
	if err != nil {
		return nil, fmt.Errorf("find stranded accepted requests: %w", err)
	}
	return reqs, nil
}

func (s *Service) logEvent(ctx context.Context, requestID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("failed to marshal event payload for %s: %v", eventType, err)
		data = nil
	}

	reqID := requestID

	ev := EventLog{
		EventType: eventType,
		RequestID: &reqID,
		Payload:   data,
		CreatedAt: time.Now(),
	}

	if err := s.events.InsertEvent(ctx, ev); err != nil {
		log.Printf("failed to insert event log %s for request %s: %v", eventType, requestID, err)
	}
}
