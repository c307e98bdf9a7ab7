package auth

import (
	"context"
	"time"

	"tube-backend/internal/media"
)

// Store persists identities. Usernames and emails reach it already
// normalized. Implementations map "no such row" to ErrNotFound and unique
// violations to ErrConflict.
type Store interface {
	Create(ctx context.Context, user User) (User, error)
	FindByID(ctx context.Context, id string) (User, error)
	// FindByLogin matches on username OR email; an empty argument never matches.
	FindByLogin(ctx context.Context, username, email string) (User, error)
	UpdateProfile(ctx context.Context, id, fullName, email string) (User, error)
	UpdatePasswordHash(ctx context.Context, id, hash string) error
	// UpdateMedia replaces the asset in slot and returns the updated user
	// together with the asset it replaced.
	UpdateMedia(ctx context.Context, id string, slot MediaSlot, asset media.Asset) (User, media.Asset, error)

	SetRefreshToken(ctx context.Context, id, token string, expiresAt time.Time) error
	// SwapRefreshToken stores next only if the stored token equals current,
	// as a single atomic conditional update. Otherwise it returns
	// ErrRefreshTokenMismatch and leaves the record untouched.
	SwapRefreshToken(ctx context.Context, id, current, next string, expiresAt time.Time) error
	ClearRefreshToken(ctx context.Context, id string) error
	ClearExpiredRefreshTokens(ctx context.Context, before time.Time, limit int) (int64, error)

	Ping(ctx context.Context) error
}
