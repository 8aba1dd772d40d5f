package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/spendtimetogether/roulette/go/internal/models"
	"github.com/spendtimetogether/roulette/go/internal/roulette/orchestrator"
)

// DBTX is the subset of pgxpool.Pool the repository uses.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository implements the coordinator's persistence collaborators over Postgres.
type Repository struct {
	db DBTX
}

func NewRepository(db DBTX) *Repository {
	return &Repository{db: db}
}

var (
	_ orchestrator.SessionStore        = (*Repository)(nil)
	_ orchestrator.ProfileDirectory    = (*Repository)(nil)
	_ orchestrator.MembershipValidator = (*Repository)(nil)
)

const loadSessionSQL = `
SELECT id, name, room_id, creator_user_id, winner_user_id, status
FROM activity
WHERE id = $1`

func (r *Repository) LoadSession(ctx context.Context, sessionID int64) (*models.SessionSnapshot, error) {
	var (
		snap   models.SessionSnapshot
		status string
	)
	err := r.db.QueryRow(ctx, loadSessionSQL, sessionID).Scan(
		&snap.ID, &snap.Name, &snap.RoomID, &snap.CreatorID, &snap.WinnerUserID, &status,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, orchestrator.ErrSessionNotFound
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	snap.Status = models.StoredStatus(status)
	return &snap, nil
}

// The winning variant is stored and linked from the record so the result
// can be read back without the in-memory session.
const persistWinnerSQL = `
WITH variant AS (
	INSERT INTO user_activity_variants (user_id, activity_id, variant)
	SELECT $2, a.id, $3 FROM activity a WHERE a.id = $1
	RETURNING id, activity_id
)
UPDATE activity
SET winner_user_id = $2, winner_variant_id = variant.id, status = 'FINISHED'
FROM variant
WHERE activity.id = variant.activity_id`

func (r *Repository) PersistWinner(ctx context.Context, sessionID, userID int64, variant string) error {
	tag, err := r.db.Exec(ctx, persistWinnerSQL, sessionID, userID, variant)
	if err != nil {
		return fmt.Errorf("persist winner: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return orchestrator.ErrSessionNotFound
	}
	return nil
}

const membershipSQL = `
SELECT EXISTS (
	SELECT 1 FROM users_rooms WHERE room_id = $1 AND user_id = $2
)`

func (r *Repository) ValidateMembership(ctx context.Context, roomID, userID int64) error {
	var member bool
	if err := r.db.QueryRow(ctx, membershipSQL, roomID, userID).Scan(&member); err != nil {
		return fmt.Errorf("validate membership: %w", err)
	}
	if !member {
		return fmt.Errorf("%w: user %d, room %d", orchestrator.ErrMembershipDenied, userID, roomID)
	}
	return nil
}

const fetchProfilesSQL = `
SELECT id, COALESCE(first_name, ''), COALESCE(last_name, ''), COALESCE(avatar_url, '')
FROM users
WHERE id = ANY($1)`

// FetchProfiles returns the profiles in the order of ids. Unknown ids are skipped.
func (r *Repository) FetchProfiles(ctx context.Context, ids []int64) ([]models.Profile, error) {
	if len(ids) == 0 {
		return []models.Profile{}, nil
	}

	rows, err := r.db.Query(ctx, fetchProfilesSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch profiles: %w", err)
	}
	defer rows.Close()

	byID := make(map[int64]models.Profile, len(ids))
	for rows.Next() {
		var p models.Profile
		if err := rows.Scan(&p.ID, &p.FirstName, &p.LastName, &p.AvatarURL); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		byID[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch profiles: %w", err)
	}

	profiles := make([]models.Profile, 0, len(byID))
	for _, id := range ids {
		if p, ok := byID[id]; ok {
			profiles = append(profiles, p)
		}
	}
	return profiles, nil
}

// Terminal records are never moved back to another status.
const updateStatusSQL = `
UPDATE activity
SET status = $2
WHERE id = $1 AND status NOT IN ('FINISHED', 'CANCELLED')`

// UpdateStatus sets the stored status of a non-terminal record and reports
// whether a row changed.
func (r *Repository) UpdateStatus(ctx context.Context, sessionID int64, status models.StoredStatus) (bool, error) {
	tag, err := r.db.Exec(ctx, updateStatusSQL, sessionID, string(status))
	if err != nil {
		return false, fmt.Errorf("update status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
