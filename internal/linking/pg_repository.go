package linking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolation = "23505"

	pendingPairIndex = "link_requests_pending_pair_idx"
	linkPairKey      = "links_pkey"
)

type PgRequestRepository struct {
	pool *pgxpool.Pool
}

func NewPgRequestRepository(pool *pgxpool.Pool) *PgRequestRepository {
	return &PgRequestRepository{pool: pool}
}

type PgLinkRepository struct {
	pool *pgxpool.Pool
}

func NewPgLinkRepository(pool *pgxpool.Pool) *PgLinkRepository {
	return &PgLinkRepository{pool: pool}
}

type PgEventRepository struct {
	pool *pgxpool.Pool
}

func NewPgEventRepository(pool *pgxpool.Pool) *PgEventRepository {
	return &PgEventRepository{pool: pool}
}

// Helpers

func scanRequest(row pgx.Row) (*LinkRequest, error) {
	var r LinkRequest
	var resolvedAt *time.Time
	var resolvedBy *uuid.UUID

	err := row.Scan(
		&r.ID,
		&r.RequesterID,
		&r.DoctorID,
		&r.Message,
		&r.Status,
		&r.CreatedAt,
		&resolvedAt,
		&resolvedBy,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}

	r.ResolvedAt = resolvedAt
	r.ResolvedBy = resolvedBy
	return &r, nil
}

func scanLink(row pgx.Row) (*Link, error) {
	var l Link

	err := row.Scan(
		&l.DoctorID,
		&l.PatientID,
		&l.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLinkNotFound
		}
		return nil, err
	}

	return &l, nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == constraint
}

const requestColumns = "id, requester_id, doctor_id, message, status, created_at, resolved_at, resolved_by"

// RequestRepository methods

func (r *PgRequestRepository) CreatePending(ctx context.Context, requesterID, doctorID uuid.UUID, message string) (*LinkRequest, error) {
	id := uuid.New()

	row := r.pool.QueryRow(ctx, `
		INSERT INTO link_requests (id, requester_id, doctor_id, message, status, created_at)
		VALUES ($1, $2, $3, $4, 'pending', now())
		RETURNING `+requestColumns+`
	`, id, requesterID, doctorID, message)

	req, err := scanRequest(row)
	if err != nil {
		if isUniqueViolation(err, pendingPairIndex) {
			return nil, ErrDuplicatePending
		}
		return nil, err
	}

	return req, nil
}

func (r *PgRequestRepository) GetByID(ctx context.Context, id uuid.UUID) (*LinkRequest, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+requestColumns+`
		FROM link_requests
		WHERE id = $1
	`, id)
	return scanRequest(row)
}

func (r *PgRequestRepository) HasPending(ctx context.Context, requesterID, doctorID uuid.UUID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM link_requests
			WHERE requester_id = $1 AND doctor_id = $2 AND status = 'pending'
		)
	`, requesterID, doctorID).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (r *PgRequestRepository) ListPendingForDoctor(ctx context.Context, doctorID uuid.UUID) ([]LinkRequest, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+requestColumns+`
		FROM link_requests
		WHERE doctor_id = $1 AND status = 'pending'
		ORDER BY created_at DESC
	`, doctorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectRequests(rows)
}

func (r *PgRequestRepository) ListForRequester(ctx context.Context, requesterID uuid.UUID) ([]LinkRequest, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+requestColumns+`
		FROM link_requests
		WHERE requester_id = $1
		ORDER BY created_at DESC
	`, requesterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectRequests(rows)
}

func (r *PgRequestRepository) MarkResolved(ctx context.Context, id uuid.UUID, to RequestStatus, resolvedBy uuid.UUID) (*LinkRequest, error) {
	// Compare-and-set on status = pending. A concurrent resolution that
	// got there first leaves no matching row, which scans as
	// ErrRequestNotFound; the caller translates that to AlreadyResolved
	// after having loaded the request.
	row := r.pool.QueryRow(ctx, `
		UPDATE link_requests
		SET status = $2,
		    resolved_at = now(),
		    resolved_by = $3
		WHERE id = $1
		  AND status = 'pending'
		RETURNING `+requestColumns+`
	`, id, to, resolvedBy)

	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, ErrRequestNotFound) {
			return nil, ErrAlreadyResolved
		}
		return nil, err
	}

	return req, nil
}

func (r *PgRequestRepository) RevertToPending(ctx context.Context, id uuid.UUID) (*LinkRequest, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE link_requests
		SET status = 'pending',
		    resolved_at = NULL,
		    resolved_by = NULL
		WHERE id = $1
		RETURNING `+requestColumns+`
	`, id)

	req, err := scanRequest(row)
	if err != nil {
		// A new submit for the same pair can land while this request
		// sat in accepted; the partial unique index then refuses the
		// revert so the pair never holds two pending requests.
		if isUniqueViolation(err, pendingPairIndex) {
			return nil, ErrDuplicatePending
		}
		return nil, err
	}

	return req, nil
}

func (r *PgRequestRepository) CountByStatus(ctx context.Context, doctorID uuid.UUID) (Stats, error) {
	var s Stats
	err := r.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'accepted'),
			COUNT(*) FILTER (WHERE status = 'rejected'),
			COUNT(*)
		FROM link_requests
		WHERE doctor_id = $1
	`, doctorID).Scan(&s.Pending, &s.Accepted, &s.Rejected, &s.Total)
	if err != nil {
		return Stats{}, err
	}
	return s, nil
}

func (r *PgRequestRepository) FindStrandedAccepted(ctx context.Context) ([]LinkRequest, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+prefixedRequestColumns("r")+`
		FROM link_requests r
		LEFT JOIN patients p ON p.user_id = r.requester_id
		LEFT JOIN links l ON l.doctor_id = r.doctor_id AND l.patient_id = p.id
		WHERE r.status = 'accepted'
		  AND l.doctor_id IS NULL
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectRequests(rows)
}

func prefixedRequestColumns(alias string) string {
	return fmt.Sprintf(
		"%[1]s.id, %[1]s.requester_id, %[1]s.doctor_id, %[1]s.message, %[1]s.status, %[1]s.created_at, %[1]s.resolved_at, %[1]s.resolved_by",
		alias,
	)
}

func collectRequests(rows pgx.Rows) ([]LinkRequest, error) {
	var result []LinkRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *req)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// LinkRepository methods

func (r *PgLinkRepository) Create(ctx context.Context, doctorID, patientID uuid.UUID) (*Link, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO links (doctor_id, patient_id, created_at)
		VALUES ($1, $2, now())
		RETURNING doctor_id, patient_id, created_at
	`, doctorID, patientID)

	link, err := scanLink(row)
	if err != nil {
		if isUniqueViolation(err, linkPairKey) {
			return nil, ErrAlreadyLinked
		}
		return nil, err
	}

	return link, nil
}

func (r *PgLinkRepository) Exists(ctx context.Context, doctorID, patientID uuid.UUID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM links
			WHERE doctor_id = $1 AND patient_id = $2
		)
	`, doctorID, patientID).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (r *PgLinkRepository) ExistsForUser(ctx context.Context, doctorID, userID uuid.UUID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM links l
			JOIN patients p ON p.id = l.patient_id
			WHERE l.doctor_id = $1 AND p.user_id = $2
		)
	`, doctorID, userID).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (r *PgLinkRepository) ListForDoctor(ctx context.Context, doctorID uuid.UUID) ([]Link, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT doctor_id, patient_id, created_at
		FROM links
		WHERE doctor_id = $1
		ORDER BY created_at DESC
	`, doctorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectLinks(rows)
}

func (r *PgLinkRepository) ListForPatient(ctx context.Context, patientID uuid.UUID) ([]Link, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT doctor_id, patient_id, created_at
		FROM links
		WHERE patient_id = $1
		ORDER BY created_at DESC
	`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectLinks(rows)
}

func collectLinks(rows pgx.Rows) ([]Link, error) {
	var result []Link
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *link)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// EventRepository methods

func (r *PgEventRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO link_events (event_type, request_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.RequestID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert link event: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
