package adapter

import (
	"context"
	stdErrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	wardenerrors "github.com/mirkobrombin/go-warden/v1/errors"
)

const usersSchema = `
CREATE TABLE IF NOT EXISTS users (
	id    BIGSERIAL PRIMARY KEY,
	name  TEXT NOT NULL,
	email TEXT NOT NULL UNIQUE
)`

// PostgresUserRepository implements UserRepository on a pgx pool.
type PostgresUserRepository struct {
	db *pgxpool.Pool
}

// NewPostgresUserRepository returns a repository using db.
func NewPostgresUserRepository(db *pgxpool.Pool) *PostgresUserRepository {
	return &PostgresUserRepository{db: db}
}

// EnsureSchema creates the users table if it does not exist.
func (r *PostgresUserRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, usersSchema)
	return err
}

func mapPgErr(err error, what string) error {
	var pgErr *pgconn.PgError
	if stdErrors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
		return fmt.Errorf("%s: %w", what, wardenerrors.ErrConflict)
	}
	return err
}

// Get implements UserRepository.Get.
func (r *PostgresUserRepository) Get(ctx context.Context, id int64) (User, error) {
	var u User
	err := r.db.QueryRow(ctx, `SELECT id, name, email FROM users WHERE id=$1`, id).
		Scan(&u.ID, &u.Name, &u.Email)
	if stdErrors.Is(err, pgx.ErrNoRows) {
		return User{}, fmt.Errorf("user %d: %w", id, wardenerrors.ErrNotFound)
	}
	return u, err
}

// List implements UserRepository.List.
func (r *PostgresUserRepository) List(ctx context.Context) ([]User, error) {
	rows, err := r.db.Query(ctx, `SELECT id, name, email FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []User{}
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// Create implements UserRepository.Create.
func (r *PostgresUserRepository) Create(ctx context.Context, u User) (User, error) {
	err := r.db.QueryRow(ctx,
		`INSERT INTO users (name, email) VALUES ($1, $2) RETURNING id`, u.Name, u.Email).
		Scan(&u.ID)
	if err != nil {
		return User{}, mapPgErr(err, "email "+u.Email)
	}
	return u, nil
}

// Save implements UserRepository.Save.
func (r *PostgresUserRepository) Save(ctx context.Context, u User) (User, error) {
	tag, err := r.db.Exec(ctx, `UPDATE users SET name=$2, email=$3 WHERE id=$1`, u.ID, u.Name, u.Email)
	if err != nil {
		return User{}, mapPgErr(err, "email "+u.Email)
	}
	if tag.RowsAffected() == 0 {
		return User{}, fmt.Errorf("user %d: %w", u.ID, wardenerrors.ErrNotFound)
	}
	return u, nil
}

// Delete implements UserRepository.Delete.
func (r *PostgresUserRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM users WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %d: %w", id, wardenerrors.ErrNotFound)
	}
	return nil
}
