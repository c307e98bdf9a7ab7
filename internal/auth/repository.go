package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"tube-backend/internal/media"
)

const uniqueViolation = "23505"

const userColumns = `id, username, email, full_name, password_hash,
	avatar_url, avatar_public_id, cover_image_url, cover_image_public_id,
	refresh_token, refresh_token_expires_at, created_at, updated_at`

// Repository is the Postgres Store.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var (
		user             User
		refreshToken     sql.NullString
		refreshExpiresAt sql.NullTime
	)

	err := row.Scan(
		&user.ID, &user.Username, &user.Email, &user.FullName, &user.PasswordHash,
		&user.Avatar.URL, &user.Avatar.PublicID, &user.CoverImage.URL, &user.CoverImage.PublicID,
		&refreshToken, &refreshExpiresAt, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return User{}, err
	}

	user.RefreshToken = refreshToken.String
	if refreshExpiresAt.Valid {
		value := refreshExpiresAt.Time.UTC()
		user.RefreshTokenExpiresAt = &value
	}

	return user, nil
}

func (r *Repository) Create(ctx context.Context, user User) (User, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return User{}, fmt.Errorf("generate user id: %w", err)
	}

	now := r.now().UTC()
	user.ID = id.String()
	user.CreatedAt = now
	user.UpdatedAt = now
	user.RefreshToken = ""
	user.RefreshTokenExpiresAt = nil

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO users (
			id, username, email, full_name, password_hash,
			avatar_url, avatar_public_id, cover_image_url, cover_image_public_id,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`, user.ID, user.Username, user.Email, user.FullName, user.PasswordHash,
		user.Avatar.URL, user.Avatar.PublicID, user.CoverImage.URL, user.CoverImage.PublicID, now)
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, ErrConflict
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}

	return user, nil
}

func (r *Repository) FindByID(ctx context.Context, id string) (User, error) {
	if !validID(id) {
		return User{}, ErrNotFound
	}

	user, err := scanUser(r.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("query user by id: %w", err)
	}

	return user, nil
}

func (r *Repository) FindByLogin(ctx context.Context, username, email string) (User, error) {
	if username == "" && email == "" {
		return User{}, ErrNotFound
	}

	user, err := scanUser(r.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE (username = $1 AND $1 <> '') OR (email = $2 AND $2 <> '')
		ORDER BY created_at ASC
		LIMIT 1
	`, username, email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("query user by login: %w", err)
	}

	return user, nil
}

func (r *Repository) UpdateProfile(ctx context.Context, id, fullName, email string) (User, error) {
	if !validID(id) {
		return User{}, ErrNotFound
	}

	user, err := scanUser(r.db.QueryRowContext(ctx, `
		UPDATE users
		SET full_name = $2, email = $3, updated_at = $4
		WHERE id = $1
		RETURNING `+userColumns,
		id, fullName, email, r.now().UTC()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		if isUniqueViolation(err) {
			return User{}, ErrConflict
		}
		return User{}, fmt.Errorf("update user profile: %w", err)
	}

	return user, nil
}

func (r *Repository) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	if !validID(id) {
		return ErrNotFound
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET password_hash = $2, updated_at = $3
		WHERE id = $1
	`, id, hash, r.now().UTC())
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}

	return requireAffected(res, "update password hash")
}

func (r *Repository) UpdateMedia(ctx context.Context, id string, slot MediaSlot, asset media.Asset) (User, media.Asset, error) {
	urlColumn, publicIDColumn, err := mediaColumns(slot)
	if err != nil {
		return User{}, media.Asset{}, err
	}
	if !validID(id) {
		return User{}, media.Asset{}, ErrNotFound
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, media.Asset{}, fmt.Errorf("begin media update tx: %w", err)
	}
	defer tx.Rollback()

	var previous media.Asset
	err = tx.QueryRowContext(ctx, `
		SELECT `+urlColumn+`, `+publicIDColumn+`
		FROM users
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&previous.URL, &previous.PublicID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, media.Asset{}, ErrNotFound
		}
		return User{}, media.Asset{}, fmt.Errorf("lock user media: %w", err)
	}

	user, err := scanUser(tx.QueryRowContext(ctx, `
		UPDATE users
		SET `+urlColumn+` = $2, `+publicIDColumn+` = $3, updated_at = $4
		WHERE id = $1
		RETURNING `+userColumns,
		id, asset.URL, asset.PublicID, r.now().UTC()))
	if err != nil {
		return User{}, media.Asset{}, fmt.Errorf("update user media: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return User{}, media.Asset{}, fmt.Errorf("commit media update tx: %w", err)
	}

	return user, previous, nil
}

func (r *Repository) SetRefreshToken(ctx context.Context, id, token string, expiresAt time.Time) error {
	if !validID(id) {
		return ErrNotFound
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET refresh_token = $2, refresh_token_expires_at = $3, updated_at = $4
		WHERE id = $1
	`, id, token, expiresAt.UTC(), r.now().UTC())
	if err != nil {
		return fmt.Errorf("set refresh token: %w", err)
	}

	return requireAffected(res, "set refresh token")
}

func (r *Repository) SwapRefreshToken(ctx context.Context, id, current, next string, expiresAt time.Time) error {
	if !validID(id) || current == "" {
		return ErrRefreshTokenMismatch
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET refresh_token = $3, refresh_token_expires_at = $4, updated_at = $5
		WHERE id = $1 AND refresh_token = $2
	`, id, current, next, expiresAt.UTC(), r.now().UTC())
	if err != nil {
		return fmt.Errorf("swap refresh token: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("swap refresh token rows affected: %w", err)
	}
	if affected == 0 {
		return ErrRefreshTokenMismatch
	}

	return nil
}

func (r *Repository) ClearRefreshToken(ctx context.Context, id string) error {
	if !validID(id) {
		return nil
	}

	_, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET refresh_token = NULL, refresh_token_expires_at = NULL, updated_at = $2
		WHERE id = $1 AND refresh_token IS NOT NULL
	`, id, r.now().UTC())
	if err != nil {
		return fmt.Errorf("clear refresh token: %w", err)
	}

	return nil
}

func (r *Repository) ClearExpiredRefreshTokens(ctx context.Context, before time.Time, limit int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM users
			WHERE refresh_token IS NOT NULL AND refresh_token_expires_at < $1
			ORDER BY refresh_token_expires_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE users u
		SET refresh_token = NULL, refresh_token_expires_at = NULL
		FROM stale
		WHERE u.id = stale.id
	`, before.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("clear expired refresh tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expired refresh tokens rows affected: %w", err)
	}

	return affected, nil
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func requireAffected(res sql.Result, op string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func mediaColumns(slot MediaSlot) (string, string, error) {
	switch slot {
	case SlotAvatar:
		return "avatar_url", "avatar_public_id", nil
	case SlotCoverImage:
		return "cover_image_url", "cover_image_public_id", nil
	default:
		return "", "", fmt.Errorf("unknown media slot %q", slot)
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
