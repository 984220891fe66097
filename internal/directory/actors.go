package directory

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredential indicates a failed actor credential check.
var ErrInvalidCredential = errors.New("directory: invalid credential")

// ActorStore validates platform staff accounts. Billing needs an
// existence check for the actor recording a payment; the credential check
// backs the actor-key authentication on mutating API routes.
type ActorStore struct {
	pool *pgxpool.Pool
}

// NewActorStore constructs an ActorStore.
func NewActorStore(pool *pgxpool.Pool) *ActorStore {
	return &ActorStore{pool: pool}
}

// Exists reports whether an active actor with the given id exists.
func (s *ActorStore) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM actors WHERE id = $1 AND active)`, id).Scan(&exists)
	return exists, err
}

// VerifyCredential compares the supplied secret against the actor's
// stored bcrypt hash.
func (s *ActorStore) VerifyCredential(ctx context.Context, id uuid.UUID, secret string) error {
	var hash string
	err := s.pool.QueryRow(ctx,
		`SELECT credential_hash FROM actors WHERE id = $1 AND active`, id).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrInvalidCredential
	}
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) != nil {
		return ErrInvalidCredential
	}
	return nil
}
