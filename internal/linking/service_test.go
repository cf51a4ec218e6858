package linking

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	redisclient "github.com/carebridge/care-linking/internal/redis"
)

type ServiceSuite struct {
	suite.Suite
	dir      *MemoryDirectory
	links    *MemoryLinkRepository
	requests *MemoryRequestRepository
	events   *MemoryEventRepository
	service  *Service

	doctor    uuid.UUID
	doctor2   uuid.UUID
	requester uuid.UUID
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.dir = NewMemoryDirectory()
	s.links = NewMemoryLinkRepository(s.dir)
	s.requests = NewMemoryRequestRepository(s.links, s.dir)
	s.events = NewMemoryEventRepository()
	s.service = NewService(s.requests, s.links, s.events, s.dir, redisclient.NoopLocker{})

	s.doctor = uuid.New()
	s.doctor2 = uuid.New()
	s.requester = uuid.New()
	s.dir.AddUser(s.doctor, RoleDoctor)
	s.dir.AddUser(s.doctor2, RoleDoctor)
	s.dir.AddUser(s.requester, RoleUser)
}

func (s *ServiceSuite) TestSubmit() {
	ctx := context.Background()

	s.Run("creates a pending request", func() {
		req, err := s.service.Submit(ctx, s.requester, s.doctor, "hello")
		s.Require().NoError(err)
		s.Equal(StatusPending, req.Status)
		s.Equal(s.requester, req.RequesterID)
		s.Equal(s.doctor, req.DoctorID)
		s.Equal("hello", req.Message)
		s.Nil(req.ResolvedAt)
		s.Nil(req.ResolvedBy)
	})

	s.Run("second submit for the same pair fails", func() {
		_, err := s.service.Submit(ctx, s.requester, s.doctor, "again")
		s.ErrorIs(err, ErrDuplicatePending)
	})

	s.Run("same requester may ask a different doctor", func() {
		_, err := s.service.Submit(ctx, s.requester, s.doctor2, "other doctor")
		s.NoError(err)
	})

	s.Run("unknown doctor", func() {
		_, err := s.service.Submit(ctx, s.requester, uuid.New(), "")
		s.ErrorIs(err, ErrUnknownDoctor)
	})

	s.Run("unknown requester", func() {
		_, err := s.service.Submit(ctx, uuid.New(), s.doctor, "")
		s.ErrorIs(err, ErrUnknownRequester)
	})

	s.Run("doctor cannot request to become a patient", func() {
		_, err := s.service.Submit(ctx, s.doctor2, s.doctor, "")
		s.ErrorIs(err, ErrInvalidRole)
	})
}

func (s *ServiceSuite) TestSubmitAfterLink() {
	ctx := context.Background()

	req, err := s.service.Submit(ctx, s.requester, s.doctor, "")
	s.Require().NoError(err)

	_, link, err := s.service.Resolve(ctx, req.ID, s.doctor, StatusAccepted, s.doctor)
	s.Require().NoError(err)
	s.Require().NotNil(link)

	_, err = s.service.Submit(ctx, s.requester, s.doctor, "once more")
	s.ErrorIs(err, ErrAlreadyLinked)
}

func (s *ServiceSuite) TestResolveReject() {
	ctx := context.Background()

	req, err := s.service.Submit(ctx, s.requester, s.doctor, "")
	s.Require().NoError(err)

	resolved, link, err := s.service.Resolve(ctx, req.ID, s.doctor, StatusRejected, s.doctor)
	s.Require().NoError(err)
	s.Nil(link)
	s.Equal(StatusRejected, resolved.Status)
	s.NotNil(resolved.ResolvedAt)
	s.Require().NotNil(resolved.ResolvedBy)
	s.Equal(s.doctor, *resolved.ResolvedBy)

	// No link appeared for a rejection.
	linked, err := s.links.ExistsForUser(ctx, s.doctor, s.requester)
	s.Require().NoError(err)
	s.False(linked)

	s.Run("terminal states are terminal", func() {
		_, _, err := s.service.Resolve(ctx, req.ID, s.doctor, StatusAccepted, s.doctor)
		s.ErrorIs(err, ErrAlreadyResolved)

		got, err := s.service.GetRequest(ctx, req.ID)
		s.Require().NoError(err)
		s.Equal(StatusRejected, got.Status)
	})

	s.Run("rejection frees the pair for a new request", func() {
		_, err := s.service.Submit(ctx, s.requester, s.doctor, "second try")
		s.NoError(err)
	})
}

func (s *ServiceSuite) TestResolveAccept() {
	ctx := context.Background()

	req, err := s.service.Submit(ctx, s.requester, s.doctor, "")
	s.Require().NoError(err)

	resolved, link, err := s.service.Resolve(ctx, req.ID, s.doctor, StatusAccepted, s.doctor)
	s.Require().NoError(err)
	s.Equal(StatusAccepted, resolved.Status)
	s.Require().NotNil(link)
	s.Equal(s.doctor, link.DoctorID)

	exists, err := s.links.Exists(ctx, s.doctor, link.PatientID)
	s.Require().NoError(err)
	s.True(exists)
}

func (s *ServiceSuite) TestResolveValidation() {
	ctx := context.Background()

	req, err := s.service.Submit(ctx, s.requester, s.doctor, "")
	s.Require().NoError(err)

	s.Run("unknown request id", func() {
		_, _, err := s.service.Resolve(ctx, uuid.New(), s.doctor, StatusAccepted, s.doctor)
		s.ErrorIs(err, ErrRequestNotFound)
	})

	s.Run("a doctor may only resolve their own requests", func() {
		_, _, err := s.service.Resolve(ctx, req.ID, s.doctor2, StatusAccepted, s.doctor2)
		s.ErrorIs(err, ErrForbidden)
	})

	s.Run("decision must be accepted or rejected", func() {
		_, _, err := s.service.Resolve(ctx, req.ID, s.doctor, StatusPending, s.doctor)
		s.ErrorIs(err, ErrInvalidDecision)

		_, _, err = s.service.Resolve(ctx, req.ID, s.doctor, RequestStatus("maybe"), s.doctor)
		s.ErrorIs(err, ErrInvalidDecision)
	})

	s.Run("failed validation leaves the request pending", func() {
		got, err := s.service.GetRequest(ctx, req.ID)
		s.Require().NoError(err)
		s.Equal(StatusPending, got.Status)
	})
}

func (s *ServiceSuite) TestAcceptFailureRevertsToPending() {
	ctx := context.Background()

	req, err := s.service.Submit(ctx, s.requester, s.doctor, "")
	s.Require().NoError(err)

	boom := errors.New("storage down")
	svc := NewService(s.requests, &failingLinkRepository{LinkRepository: s.links, err: boom}, s.events, s.dir, redisclient.NoopLocker{})

	_, _, err = svc.Resolve(ctx, req.ID, s.doctor, StatusAccepted, s.doctor)
	s.ErrorIs(err, ErrLinkCreationFailed)
	s.ErrorIs(err, boom)

	got, err := s.service.GetRequest(ctx, req.ID)
	s.Require().NoError(err)
	s.Equal(StatusPending, got.Status)
	s.Nil(got.ResolvedAt)
	s.Nil(got.ResolvedBy)

	s.Run("retry against healthy storage succeeds", func() {
		resolved, link, err := s.service.Resolve(ctx, req.ID, s.doctor, StatusAccepted, s.doctor)
		s.Require().NoError(err)
		s.Equal(StatusAccepted, resolved.Status)
		s.NotNil(link)
	})
}

func (s *ServiceSuite) TestCompensationFailure() {
	ctx := context.Background()

	req, err := s.service.Submit(ctx, s.requester, s.doctor, "")
	s.Require().NoError(err)

	svc := NewService(
		&revertFailingRequestRepository{RequestRepository: s.requests},
		&failingLinkRepository{LinkRepository: s.links, err: errors.New("storage down")},
		s.events,
		s.dir,
		redisclient.NoopLocker{},
	)

	_, _, err = svc.Resolve(ctx, req.ID, s.doctor, StatusAccepted, s.doctor)
	s.ErrorIs(err, ErrCompensationFailed)

	// The request is stranded in accepted with no backing link; the
	// reconciler must be able to find it.
	got, err := s.service.GetRequest(ctx, req.ID)
	s.Require().NoError(err)
	s.Equal(StatusAccepted, got.Status)

	stranded, err := s.service.FindStrandedAccepted(ctx)
	s.Require().NoError(err)
	s.Require().Len(stranded, 1)
	s.Equal(req.ID, stranded[0].ID)

	var logged bool
	for _, ev := range s.events.Events() {
		if ev.EventType == EventCompensationFailed {
			logged = true
		}
	}
	s.True(logged, "compensation failure must be logged for reconciliation")
}

func (s *ServiceSuite) TestAcceptFailureWithInterleavedSubmit() {
	ctx := context.Background()

	first, err := s.service.Submit(ctx, s.requester, s.doctor, "")
	s.Require().NoError(err)

	// Link creation fails, and while the request sits in accepted a new
	// submit for the same pair slips in. The revert must then refuse
	// rather than put a second pending request on the pair.
	failing := &hookedLinkRepository{
		LinkRepository: s.links,
		err:            errors.New("storage down"),
		onCreate: func() {
			_, err := s.service.Submit(ctx, s.requester, s.doctor, "while you were out")
			s.Require().NoError(err)
		},
	}
	svc := NewService(s.requests, failing, s.events, s.dir, redisclient.NoopLocker{})

	_, _, err = svc.Resolve(ctx, first.ID, s.doctor, StatusAccepted, s.doctor)
	s.ErrorIs(err, ErrCompensationFailed)

	// At most one pending request per pair, and the stranded accept is
	// visible to the reconciler.
	pending, err := s.service.ListPendingForDoctor(ctx, s.doctor)
	s.Require().NoError(err)
	s.Len(pending, 1)

	got, err := s.service.GetRequest(ctx, first.ID)
	s.Require().NoError(err)
	s.Equal(StatusAccepted, got.Status)

	stranded, err := s.service.FindStrandedAccepted(ctx)
	s.Require().NoError(err)
	s.Require().Len(stranded, 1)
	s.Equal(first.ID, stranded[0].ID)
}

func (s *ServiceSuite) TestConcurrentResolve() {
	ctx := context.Background()

	req, err := s.service.Submit(ctx, s.requester, s.doctor, "")
	s.Require().NoError(err)

	const attempts = 8

	var wg sync.WaitGroup
	errs := make([]error, attempts)
	links := make([]*Link, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, link, err := s.service.Resolve(ctx, req.ID, s.doctor, StatusAccepted, s.doctor)
			errs[i] = err
			links[i] = link
		}(i)
	}
	wg.Wait()

	var succeeded, alreadyResolved int
	for i := 0; i < attempts; i++ {
		switch {
		case errs[i] == nil:
			succeeded++
			s.NotNil(links[i])
		case errors.Is(errs[i], ErrAlreadyResolved):
			alreadyResolved++
		default:
			s.Failf("unexpected error", "%v", errs[i])
		}
	}

	s.Equal(1, succeeded, "exactly one resolution must win")
	s.Equal(attempts-1, alreadyResolved)
}

func (s *ServiceSuite) TestConcurrentAcceptSharedPatient() {
	ctx := context.Background()

	u2 := uuid.New()
	s.dir.AddUser(u2, RoleUser)

	reqA, err := s.service.Submit(ctx, s.requester, s.doctor, "")
	s.Require().NoError(err)
	reqB, err := s.service.Submit(ctx, u2, s.doctor, "")
	s.Require().NoError(err)

	// Both requesters provision to the same patient record, so only one
	// accept can create the link.
	shared := uuid.New()
	svc := NewService(s.requests, s.links, s.events, fixedPatientDirectory{Directory: s.dir, patientID: shared}, redisclient.NoopLocker{})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []uuid.UUID{reqA.ID, reqB.ID} {
		wg.Add(1)
		go func(i int, id uuid.UUID) {
			defer wg.Done()
			_, _, errs[i] = svc.Resolve(ctx, id, s.doctor, StatusAccepted, s.doctor)
		}(i, id)
	}
	wg.Wait()

	var succeeded, failed int
	var loserReq uuid.UUID
	for i, id := range []uuid.UUID{reqA.ID, reqB.ID} {
		if errs[i] == nil {
			succeeded++
		} else {
			s.ErrorIs(errs[i], ErrLinkCreationFailed)
			s.ErrorIs(errs[i], ErrAlreadyLinked)
			failed++
			loserReq = id
		}
	}

	s.Equal(1, succeeded)
	s.Equal(1, failed)

	// The losing request reverted to pending.
	got, err := s.service.GetRequest(ctx, loserReq)
	s.Require().NoError(err)
	s.Equal(StatusPending, got.Status)
}

func (s *ServiceSuite) TestStats() {
	ctx := context.Background()

	users := make([]uuid.UUID, 4)
	for i := range users {
		users[i] = uuid.New()
		s.dir.AddUser(users[i], RoleUser)
	}

	r0, err := s.service.Submit(ctx, users[0], s.doctor, "")
	s.Require().NoError(err)
	r1, err := s.service.Submit(ctx, users[1], s.doctor, "")
	s.Require().NoError(err)
	_, err = s.service.Submit(ctx, users[2], s.doctor, "")
	s.Require().NoError(err)
	_, err = s.service.Submit(ctx, users[3], s.doctor2, "")
	s.Require().NoError(err)

	_, _, err = s.service.Resolve(ctx, r0.ID, s.doctor, StatusAccepted, s.doctor)
	s.Require().NoError(err)
	_, _, err = s.service.Resolve(ctx, r1.ID, s.doctor, StatusRejected, s.doctor)
	s.Require().NoError(err)

	stats, err := s.service.Stats(ctx, s.doctor)
	s.Require().NoError(err)
	s.Equal(Stats{Pending: 1, Accepted: 1, Rejected: 1, Total: 3}, stats)

	s.Run("stats do not leak across doctors", func() {
		stats, err := s.service.Stats(ctx, s.doctor2)
		s.Require().NoError(err)
		s.Equal(Stats{Pending: 1, Total: 1}, stats)
	})
}

func (s *ServiceSuite) TestLists() {
	ctx := context.Background()

	u2 := uuid.New()
	s.dir.AddUser(u2, RoleUser)

	reqA, err := s.service.Submit(ctx, s.requester, s.doctor, "first")
	s.Require().NoError(err)
	reqB, err := s.service.Submit(ctx, u2, s.doctor, "second")
	s.Require().NoError(err)

	pending, err := s.service.ListPendingForDoctor(ctx, s.doctor)
	s.Require().NoError(err)
	s.Require().Len(pending, 2)
	s.False(pending[0].CreatedAt.Before(pending[1].CreatedAt), "newest first")

	mine, err := s.service.ListForRequester(ctx, s.requester)
	s.Require().NoError(err)
	s.Require().Len(mine, 1)
	s.Equal(reqA.ID, mine[0].ID)

	_, link, err := s.service.Resolve(ctx, reqB.ID, s.doctor, StatusAccepted, s.doctor)
	s.Require().NoError(err)

	byDoctor, err := s.service.ListLinksForDoctor(ctx, s.doctor)
	s.Require().NoError(err)
	s.Len(byDoctor, 1)

	byPatient, err := s.service.ListLinksForPatient(ctx, link.PatientID)
	s.Require().NoError(err)
	s.Len(byPatient, 1)

	pending, err = s.service.ListPendingForDoctor(ctx, s.doctor)
	s.Require().NoError(err)
	s.Len(pending, 1)
}

// Test doubles

type failingLinkRepository struct {
	LinkRepository
	err error
}

func (f *failingLinkRepository) Create(context.Context, uuid.UUID, uuid.UUID) (*Link, error) {
	return nil, f.err
}

type hookedLinkRepository struct {
	LinkRepository
	err      error
	onCreate func()
}

func (h *hookedLinkRepository) Create(context.Context, uuid.UUID, uuid.UUID) (*Link, error) {
	if h.onCreate != nil {
		h.onCreate()
	}
	return nil, h.err
}

type revertFailingRequestRepository struct {
	RequestRepository
}

func (r *revertFailingRequestRepository) RevertToPending(context.Context, uuid.UUID) (*LinkRequest, error) {
	return nil, errors.New("revert unavailable")
}

type fixedPatientDirectory struct {
	Directory
	patientID uuid.UUID
}

func (d fixedPatientDirectory) ProvisionPatient(context.Context, uuid.UUID) (uuid.UUID, error) {
	return d.patientID, nil
}
