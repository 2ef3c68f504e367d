package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/keyfort/server/internal/model"
)

// ProfileRepo defines the interface for profile repository operations
type ProfileRepo interface {
	Get(ctx context.Context, userID uuid.UUID) (model.Profile, error)
	Upsert(ctx context.Context, profile model.Profile) (model.Profile, error)
}

type profileRepo struct {
	db *sql.DB
}

// NewProfileRepo creates a new ProfileRepo instance
func NewProfileRepo(db *sql.DB) ProfileRepo {
	return &profileRepo{db: db}
}

// Get retrieves the profile for a user
func (r *profileRepo) Get(ctx context.Context, userID uuid.UUID) (model.Profile, error) {
	query := `
		SELECT user_id, display_name, avatar_url, bio, updated_at
		FROM profiles
		WHERE user_id = $1
	`
	var p model.Profile
	var idStr string
	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&idStr,
		&p.DisplayName,
		&p.AvatarURL,
		&p.Bio,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Profile{}, ErrNotFound
		}
		return model.Profile{}, fmt.Errorf("failed to query profile: %w", err)
	}
	p.UserID, err = uuid.Parse(idStr)
	if err != nil {
		return model.Profile{}, fmt.Errorf("failed to parse profile user ID: %w", err)
	}
	return p, nil
}

// Upsert creates or replaces the profile for a user
func (r *profileRepo) Upsert(ctx context.Context, profile model.Profile) (model.Profile, error) {
	query := `
		INSERT INTO profiles (user_id, display_name, avatar_url, bio, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (user_id) DO UPDATE
		SET display_name = EXCLUDED.display_name,
		    avatar_url = EXCLUDED.avatar_url,
		    bio = EXCLUDED.bio,
		    updated_at = now()
		RETURNING updated_at
	`
	err := r.db.QueryRowContext(ctx, query,
		profile.UserID, profile.DisplayName, profile.AvatarURL, profile.Bio,
	).Scan(&profile.UpdatedAt)
	if err != nil {
		return model.Profile{}, fmt.Errorf("failed to upsert profile: %w", err)
	}
	return profile, nil
}
