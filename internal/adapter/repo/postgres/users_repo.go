package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/agentboard/internal/domain"
)

// UserRepo backs token issuance with minimal identity lookups.
type UserRepo struct{ Pool PgxPool }

// NewUserRepo constructs a UserRepo with the given pool.
func NewUserRepo(p PgxPool) *UserRepo { return &UserRepo{Pool: p} }

var _ domain.UserRepository = (*UserRepo)(nil)

// GetByName loads a user by unique name.
func (r *UserRepo) GetByName(ctx context.Context, name string) (domain.User, error) {
	var u domain.User
	err := r.Pool.QueryRow(ctx,
		`SELECT id, name, password_hash FROM users WHERE name=$1`, name).
		Scan(&u.ID, &u.Name, &u.PasswordHash)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.User{}, fmt.Errorf("op=user.get_by_name: %w", domain.ErrNotFound)
		}
		return domain.User{}, fmt.Errorf("op=user.get_by_name: %w: %v", domain.ErrUnavailable, err)
	}
	return u, nil
}
