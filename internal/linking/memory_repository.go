package linking

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// In-memory implementations of the repositories and the Directory.
// They enforce the same uniqueness rules as the Postgres layer and
// return the same sentinel errors, so the service behaves identically
// against either backing. Used by unit tests and local development.

type MemoryRequestRepository struct {
	mu       sync.RWMutex
	requests map[uuid.UUID]*LinkRequest
	links    *MemoryLinkRepository // for FindStrandedAccepted
	dir      *MemoryDirectory
}

func NewMemoryRequestRepository(links *MemoryLinkRepository, dir *MemoryDirectory) *MemoryRequestRepository {
	return &MemoryRequestRepository{
		requests: make(map[uuid.UUID]*LinkRequest),
		links:    links,
		dir:      dir,
	}
}

func (r *MemoryRequestRepository) CreatePending(_ context.Context, requesterID, doctorID uuid.UUID, message string) (*LinkRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, req := range r.requests {
		if req.RequesterID == requesterID && req.DoctorID == doctorID && req.Status == StatusPending {
			return nil, ErrDuplicatePending
		}
	}

	req := &LinkRequest{
		ID:          uuid.New(),
		RequesterID: requesterID,
		DoctorID:    doctorID,
		Message:     message,
		Status:      StatusPending,
		CreatedAt:   time.Now(),
	}
	r.requests[req.ID] = req

	cp := *req
	return &cp, nil
}

func (r *MemoryRequestRepository) GetByID(_ context.Context, id uuid.UUID) (*LinkRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	req, ok := r.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}

	cp := *req
	return &cp, nil
}

func (r *MemoryRequestRepository) HasPending(_ context.Context, requesterID, doctorID uuid.UUID) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, req := range r.requests {
		if req.RequesterID == requesterID && req.DoctorID == doctorID && req.Status == StatusPending {
			return true, nil
		}
	}
	return false, nil
}

func (r *MemoryRequestRepository) ListPendingForDoctor(_ context.Context, doctorID uuid.UUID) ([]LinkRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []LinkRequest
	for _, req := range r.requests {
		if req.DoctorID == doctorID && req.Status == StatusPending {
			result = append(result, *req)
		}
	}
	sortNewestFirst(result)
	return result, nil
}

func (r *MemoryRequestRepository) ListForRequester(_ context.Context, requesterID uuid.UUID) ([]LinkRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []LinkRequest
	for _, req := range r.requests {
		if req.RequesterID == requesterID {
			result = append(result, *req)
		}
	}
	sortNewestFirst(result)
	return result, nil
}

func (r *MemoryRequestRepository) MarkResolved(_ context.Context, id uuid.UUID, to RequestStatus, resolvedBy uuid.UUID) (*LinkRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	if req.Status != StatusPending {
		return nil, ErrAlreadyResolved
	}

	now := time.Now()
	by := resolvedBy
	req.Status = to
	req.ResolvedAt = &now
	req.ResolvedBy = &by

	cp := *req
	return &cp, nil
}

func (r *MemoryRequestRepository) RevertToPending(_ context.Context, id uuid.UUID) (*LinkRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}

	// A new submit may have slipped in for the same pair while this
	// request sat in accepted; restoring pending would then leave two
	// pending requests for the pair. The Postgres backing refuses the
	// same way, via the partial unique index.
	for _, other := range r.requests {
		if other.ID != req.ID && other.RequesterID == req.RequesterID &&
			other.DoctorID == req.DoctorID && other.Status == StatusPending {
			return nil, ErrDuplicatePending
		}
	}

	req.Status = StatusPending
	req.ResolvedAt = nil
	req.ResolvedBy = nil

	cp := *req
	return &cp, nil
}

func (r *MemoryRequestRepository) CountByStatus(_ context.Context, doctorID uuid.UUID) (Stats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var s Stats
	for _, req := range r.requests {
		if req.DoctorID != doctorID {
			continue
		}
		switch req.Status {
		case StatusPending:
			s.Pending++
		case StatusAccepted:
			s.Accepted++
		case StatusRejected:
			s.Rejected++
		}
		s.Total++
	}
	return s, nil
}

func (r *MemoryRequestRepository) FindStrandedAccepted(ctx context.Context) ([]LinkRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []LinkRequest
	for _, req := range r.requests {
		if req.Status != StatusAccepted {
			continue
		}

		patientID, ok := r.dir.patientIDFor(req.RequesterID)
		if !ok {
			result = append(result, *req)
			continue
		}

		exists, err := r.links.Exists(ctx, req.DoctorID, patientID)
		if err != nil {
			return nil, err
		}
		if !exists {
			result = append(result, *req)
		}
	}
	sortNewestFirst(result)
	return result, nil
}

func sortNewestFirst(reqs []LinkRequest) {
	sort.Slice(reqs, func(i, j int) bool {
		return reqs[i].CreatedAt.After(reqs[j].CreatedAt)
	})
}

type MemoryLinkRepository struct {
	mu    sync.RWMutex
	links []Link
	dir   *MemoryDirectory // for ExistsForUser resolution
}

func NewMemoryLinkRepository(dir *MemoryDirectory) *MemoryLinkRepository {
	return &MemoryLinkRepository{dir: dir}
}

func (r *MemoryLinkRepository) Create(_ context.Context, doctorID, patientID uuid.UUID) (*Link, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, l := range r.links {
		if l.DoctorID == doctorID && l.PatientID == patientID {
			return nil, ErrAlreadyLinked
		}
	}

	link := Link{
		DoctorID:  doctorID,
		PatientID: patientID,
		CreatedAt: time.Now(),
	}
	r.links = append(r.links, link)

	cp := link
	return &cp, nil
}

func (r *MemoryLinkRepository) Exists(_ context.Context, doctorID, patientID uuid.UUID) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, l := range r.links {
		if l.DoctorID == doctorID && l.PatientID == patientID {
			return true, nil
		}
	}
	return false, nil
}

func (r *MemoryLinkRepository) ExistsForUser(ctx context.Context, doctorID, userID uuid.UUID) (bool, error) {
	patientID, ok := r.dir.patientIDFor(userID)
	if !ok {
		return false, nil
	}
	return r.Exists(ctx, doctorID, patientID)
}

func (r *MemoryLinkRepository) ListForDoctor(_ context.Context, doctorID uuid.UUID) ([]Link, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []Link
	for _, l := range r.links {
		if l.DoctorID == doctorID {
			result = append(result, l)
		}
	}
	return result, nil
}

func (r *MemoryLinkRepository) ListForPatient(_ context.Context, patientID uuid.UUID) ([]Link, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []Link
	for _, l := range r.links {
		if l.PatientID == patientID {
			result = append(result, l)
		}
	}
	return result, nil
}

type MemoryEventRepository struct {
	mu     sync.Mutex
	events []EventLog
}

func NewMemoryEventRepository() *MemoryEventRepository {
	return &MemoryEventRepository{}
}

func (r *MemoryEventRepository) InsertEvent(_ context.Context, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev.ID = int64(len(r.events) + 1)
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	r.events = append(r.events, ev)
	return nil
}

// Events returns a snapshot of everything logged so far.
func (r *MemoryEventRepository) Events() []EventLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EventLog{}, r.events...)
}

// MemoryDirectory is a fixed user/doctor catalog with in-process
// patient provisioning.
type MemoryDirectory struct {
	mu       sync.Mutex
	roles    map[uuid.UUID]Role
	patients map[uuid.UUID]uuid.UUID // user id -> patient id
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		roles:    make(map[uuid.UUID]Role),
		patients: make(map[uuid.UUID]uuid.UUID),
	}
}

func (d *MemoryDirectory) AddUser(id uuid.UUID, role Role) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roles[id] = role
}

func (d *MemoryDirectory) UserExists(_ context.Context, id uuid.UUID) (bool, Role, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	role, ok := d.roles[id]
	if !ok {
		return false, "", nil
	}
	return true, role, nil
}

func (d *MemoryDirectory) DoctorExists(_ context.Context, id uuid.UUID) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.roles[id] == RoleDoctor, nil
}

func (d *MemoryDirectory) ProvisionPatient(_ context.Context, userID uuid.UUID) (uuid.UUID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if id, ok := d.patients[userID]; ok {
		return id, nil
	}

	id := uuid.New()
	d.patients[userID] = id
	return id, nil
}

func (d *MemoryDirectory) patientIDFor(userID uuid.UUID) (uuid.UUID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.patients[userID]
	return id, ok
}
