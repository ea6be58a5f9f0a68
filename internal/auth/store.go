package auth

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/auditconsole/classify/internal/models"
)

const (
	userColumns = `id, email, name, password_hash, role, created_at, updated_at`

	uniqueViolation = "23505"
)

// PostgresUserStore keeps console users and their refresh tokens. Refresh
// tokens are stored as SHA-256 digests, never in the clear.
type PostgresUserStore struct {
	db *sqlx.DB
}

func NewPostgresUserStore(db *sqlx.DB) *PostgresUserStore {
	return &PostgresUserStore{db: db}
}

func (s *PostgresUserStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, &models.NotFoundError{Entity: "user", ID: id}
	}
	return s.getUser(ctx, "id", id)
}

func (s *PostgresUserStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.getUser(ctx, "email", email)
}

// getUser loads one user by a unique column. column is never user input.
func (s *PostgresUserStore) getUser(ctx context.Context, column, value string) (*User, error) {
	var user User
	err := s.db.GetContext(ctx, &user, `SELECT `+userColumns+` FROM users WHERE `+column+` = $1`, value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Entity: "user", ID: value}
	}
	if err != nil {
		return nil, models.Persistence("get user", err)
	}
	return &user, nil
}

func (s *PostgresUserStore) CreateUser(ctx context.Context, user *User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	now := time.Now()
	user.CreatedAt, user.UpdatedAt = now, now

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES (:id, :email, :name, :password_hash, :role, :created_at, :updated_at)
	`, user)
	return userWriteErr("create user", err)
}

func (s *PostgresUserStore) UpdateUser(ctx context.Context, user *User) error {
	user.UpdatedAt = time.Now()
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE users
		SET email = :email, name = :name, password_hash = :password_hash, role = :role, updated_at = :updated_at
		WHERE id = :id
	`, user)
	if err != nil {
		return userWriteErr("update user", err)
	}
	return userAffected(res, user.ID)
}

// DeleteUser removes the user; refresh tokens go with it by cascade.
func (s *PostgresUserStore) DeleteUser(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return &models.NotFoundError{Entity: "user", ID: id}
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return models.Persistence("delete user", err)
	}
	return userAffected(res, id)
}

// ListUsers returns users alphabetically by email, without password hashes.
func (s *PostgresUserStore) ListUsers(ctx context.Context) ([]*User, error) {
	users := []*User{}
	err := s.db.SelectContext(ctx, &users, `SELECT id, email, name, role, created_at, updated_at FROM users ORDER BY email`)
	if err != nil {
		return nil, models.Persistence("list users", err)
	}
	return users, nil
}

func (s *PostgresUserStore) StoreRefreshToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (id, user_id, token, expires_at) VALUES ($1, $2, $3, $4)
	`, uuid.NewString(), userID, tokenDigest(token), expiresAt)
	return models.Persistence("store refresh token", err)
}

func (s *PostgresUserStore) ValidateRefreshToken(ctx context.Context, userID, token string) (bool, error) {
	var valid bool
	err := s.db.GetContext(ctx, &valid, `
		SELECT EXISTS (
			SELECT 1 FROM refresh_tokens
			WHERE user_id = $1 AND token = $2 AND revoked_at IS NULL AND expires_at > NOW()
		)
	`, userID, tokenDigest(token))
	if err != nil {
		return false, models.Persistence("validate refresh token", err)
	}
	return valid, nil
}

func (s *PostgresUserStore) RevokeRefreshToken(ctx context.Context, userID, token string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked_at = NOW()
		WHERE user_id = $1 AND token = $2 AND revoked_at IS NULL
	`, userID, tokenDigest(token))
	return models.Persistence("revoke refresh token", err)
}

func (s *PostgresUserStore) RevokeAllRefreshTokens(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked_at = NOW() WHERE user_id = $1 AND revoked_at IS NULL`, userID)
	return models.Persistence("revoke refresh tokens", err)
}

func tokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func userWriteErr(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return models.NewValidationError("email", "a user with this email already exists")
	}
	return models.Persistence(op, err)
}

func userAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return models.Persistence("rows affected", err)
	}
	if n == 0 {
		return &models.NotFoundError{Entity: "user", ID: id}
	}
	return nil
}
