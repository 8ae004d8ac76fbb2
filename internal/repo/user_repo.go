package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/acadeveia/server/internal/model"
	"github.com/google/uuid"
)

// UserRepo defines the interface for user repository operations
type UserRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (model.User, error)
	GetOrCreate(ctx context.Context, phone string, userType model.UserType) (model.User, error)
	Get(ctx context.Context, phone string, userType model.UserType) (model.User, error)
}

type userRepo struct {
	db *sql.DB
}

// NewUserRepo creates a new UserRepo instance
func NewUserRepo(db *sql.DB) UserRepo {
	return &userRepo{db: db}
}

const userColumns = `id, name, phone_number, user_type, created_at`

// GetByID retrieves a user by ID
func (r *userRepo) GetByID(ctx context.Context, id uuid.UUID) (model.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// GetOrCreate retrieves the account for (phone, userType), creating it on first login
func (r *userRepo) GetOrCreate(ctx context.Context, phone string, userType model.UserType) (model.User, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, phone_number, user_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (phone_number, user_type) DO NOTHING
	`, uuid.New(), phone, string(userType))
	if err != nil {
		return model.User{}, fmt.Errorf("failed to insert user: %w", err)
	}

	// Select whether it was just created or already existed
	return r.Get(ctx, phone, userType)
}

// Get retrieves a user by phone number and role
func (r *userRepo) Get(ctx context.Context, phone string, userType model.UserType) (model.User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE phone_number = $1 AND user_type = $2`,
		phone, string(userType))
	return scanUser(row)
}

func scanUser(row *sql.Row) (model.User, error) {
	var user model.User
	var idStr, userType string
	err := row.Scan(&idStr, &user.Name, &user.PhoneNumber, &userType, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, ErrNotFound
		}
		return model.User{}, fmt.Errorf("failed to query user: %w", err)
	}
	user.ID, err = uuid.Parse(idStr)
	if err != nil {
		return model.User{}, fmt.Errorf("failed to parse user ID: %w", err)
	}
	user.UserType = model.UserType(userType)
	return user, nil
}
