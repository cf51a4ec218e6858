package linking

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgDirectory resolves users, doctors and patient records from the
// directory tables. The linking core only depends on the Directory
// interface; this is the default backing.
type PgDirectory struct {
	pool *pgxpool.Pool
}

func NewPgDirectory(pool *pgxpool.Pool) *PgDirectory {
	return &PgDirectory{pool: pool}
}

func (d *PgDirectory) UserExists(ctx context.Context, id uuid.UUID) (bool, Role, error) {
	var role Role
	err := d.pool.QueryRow(ctx, `
		SELECT role FROM users WHERE id = $1
	`, id).Scan(&role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, "", nil
		}
		return false, "", fmt.Errorf("look up user: %w", err)
	}

	return true, role, nil
}

func (d *PgDirectory) DoctorExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := d.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM users WHERE id = $1 AND role = 'doctor'
		)
	`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("look up doctor: %w", err)
	}

	return exists, nil
}

// ProvisionPatient upserts on patients.user_id so that concurrent calls
// for the same user converge on a single patient id.
func (d *PgDirectory) ProvisionPatient(ctx context.Context, userID uuid.UUID) (uuid.UUID, error) {
	id := uuid.New()

	var patientID uuid.UUID
	err := d.pool.QueryRow(ctx, `
		INSERT INTO patients (id, user_id, created_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING id
	`, id, userID).Scan(&patientID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("provision patient: %w", err)
	}

	return patientID, nil
}
