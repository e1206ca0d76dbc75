package repository

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"stay_booking/pkg/logger"
)

// ProfileRepository хранит отображаемые имена пользователей внешнего провайдера
type ProfileRepository interface {
	Upsert(ctx context.Context, userID, displayName string) error
}

type profileRepository struct {
	db  *pgxpool.Pool
	log logger.Logger
}

func NewProfileRepository(db *pgxpool.Pool, log logger.Logger) ProfileRepository {
	return &profileRepository{db: db, log: log}
}

func (r *profileRepository) Upsert(ctx context.Context, userID, displayName string) error {
	displayName = strings.TrimSpace(displayName)
	if userID == "" || displayName == "" {
		return nil
	}

	query := `
		INSERT INTO profiles (id, display_name)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name
		WHERE profiles.display_name <> EXCLUDED.display_name
	`

	if _, err := r.db.Exec(ctx, query, userID, displayName); err != nil {
		r.log.Error("Failed to upsert profile", "error", err, "user_id", userID)
		return err
	}
	return nil
}
