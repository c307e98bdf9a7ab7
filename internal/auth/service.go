package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"golang.org/x/crypto/bcrypt"

	"tube-backend/internal/media"
	"tube-backend/internal/observability"
	"tube-backend/internal/password"
	"tube-backend/internal/token"
)

// Service is the session manager: registration, login, refresh rotation,
// logout and the account operations behind the gate.
type Service struct {
	store  Store
	tokens *token.Manager
	hasher *password.Hasher
	media  media.Store
	logger *observability.Logger
	now    func() time.Time
}

func NewService(store Store, tokens *token.Manager, hasher *password.Hasher, mediaStore media.Store, logger *observability.Logger) *Service {
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	return &Service{
		store:  store,
		tokens: tokens,
		hasher: hasher,
		media:  mediaStore,
		logger: logger,
		now:    time.Now,
	}
}

func (s *Service) Register(ctx context.Context, in RegisterInput) (Profile, error) {
	in.Username = normalizeIdentifier(in.Username)
	in.Email = normalizeIdentifier(in.Email)
	in.FullName = strings.TrimSpace(in.FullName)

	if in.Username == "" || in.Email == "" || in.FullName == "" || strings.TrimSpace(in.Password) == "" {
		return Profile{}, validationError("all fields are required")
	}
	if err := validateEmail(in.Email); err != nil {
		return Profile{}, err
	}

	_, err := s.store.FindByLogin(ctx, in.Username, in.Email)
	switch {
	case err == nil:
		return Profile{}, ErrConflict
	case !errors.Is(err, ErrNotFound):
		return Profile{}, s.upstream("register_lookup_failed", err, nil)
	}

	if in.Avatar == nil {
		return Profile{}, validationError("avatar file is required")
	}

	hash, err := s.hashPassword(in.Password)
	if err != nil {
		return Profile{}, err
	}

	avatar, err := s.media.Upload(ctx, *in.Avatar)
	if err != nil {
		return Profile{}, s.upstream("avatar_upload_failed", err, nil)
	}

	var cover media.Asset
	if in.CoverImage != nil {
		cover, err = s.media.Upload(ctx, *in.CoverImage)
		if err != nil {
			s.discard(ctx, avatar)
			return Profile{}, s.upstream("cover_image_upload_failed", err, nil)
		}
	}

	user, err := s.store.Create(ctx, User{
		Username:     in.Username,
		Email:        in.Email,
		FullName:     in.FullName,
		PasswordHash: hash,
		Avatar:       avatar,
		CoverImage:   cover,
	})
	if err != nil {
		s.discard(ctx, avatar, cover)
		if errors.Is(err, ErrConflict) {
			return Profile{}, ErrConflict
		}
		return Profile{}, s.upstream("create_user_failed", err, nil)
	}

	s.logger.Info("user_registered", map[string]any{"user_id": user.ID})
	return user.Profile(), nil
}

// Login authenticates by username or email and starts a new session. The
// issued refresh token replaces any previous one, so only the most recent
// login can refresh.
func (s *Service) Login(ctx context.Context, c Credentials) (Session, error) {
	username := normalizeIdentifier(c.Username)
	email := normalizeIdentifier(c.Email)

	if username == "" && email == "" {
		return Session{}, validationError("username or email is required")
	}
	if c.Password == "" {
		return Session{}, validationError("password is required")
	}

	user, err := s.store.FindByLogin(ctx, username, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Session{}, ErrNotFound
		}
		return Session{}, s.upstream("login_lookup_failed", err, nil)
	}

	if !s.hasher.Verify(c.Password, user.PasswordHash) {
		return Session{}, ErrInvalidCredentials
	}

	pair, err := s.issuePair(user)
	if err != nil {
		return Session{}, err
	}

	if err := s.store.SetRefreshToken(ctx, user.ID, pair.RefreshToken, pair.RefreshTokenExpiresAt); err != nil {
		if errors.Is(err, ErrNotFound) {
			return Session{}, ErrNotFound
		}
		return Session{}, s.upstream("store_refresh_token_failed", err, map[string]any{"user_id": user.ID})
	}

	return Session{User: user.Profile(), TokenPair: pair}, nil
}

// Logout clears the stored refresh token. Calling it again is a no-op.
func (s *Service) Logout(ctx context.Context, userID string) error {
	if err := s.store.ClearRefreshToken(ctx, userID); err != nil {
		return s.upstream("clear_refresh_token_failed", err, map[string]any{"user_id": userID})
	}
	return nil
}

// Refresh rotates a refresh token. The presented token must verify and must
// equal the stored one; the replacement is written with a conditional update
// on the presented value, so of two concurrent calls with the same token only
// one can win.
func (s *Service) Refresh(ctx context.Context, presented string) (TokenPair, error) {
	presented = strings.TrimSpace(presented)
	if presented == "" {
		return TokenPair{}, ErrUnauthorized
	}

	claims, err := s.tokens.Verify(presented, token.Refresh)
	if err != nil {
		return TokenPair{}, ErrInvalidToken
	}

	user, err := s.store.FindByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, ErrNotFound
		}
		return TokenPair{}, s.upstream("refresh_lookup_failed", err, map[string]any{"user_id": claims.UserID})
	}

	if user.RefreshToken == "" || subtle.ConstantTimeCompare([]byte(user.RefreshToken), []byte(presented)) != 1 {
		return TokenPair{}, ErrInvalidToken
	}

	pair, err := s.issuePair(user)
	if err != nil {
		return TokenPair{}, err
	}

	err = s.store.SwapRefreshToken(ctx, user.ID, presented, pair.RefreshToken, pair.RefreshTokenExpiresAt)
	if err != nil {
		if errors.Is(err, ErrRefreshTokenMismatch) {
			s.logger.Warn("refresh_rotation_conflict", map[string]any{"user_id": user.ID})
			return TokenPair{}, ErrInvalidToken
		}
		return TokenPair{}, s.upstream("rotate_refresh_token_failed", err, map[string]any{"user_id": user.ID})
	}

	return pair, nil
}

// ChangePassword replaces the password hash after checking the old password.
// Access tokens already issued stay valid until they expire.
func (s *Service) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	if oldPassword == "" || newPassword == "" {
		return validationError("old and new password are required")
	}

	user, err := s.store.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return s.upstream("change_password_lookup_failed", err, map[string]any{"user_id": userID})
	}

	if !s.hasher.Verify(oldPassword, user.PasswordHash) {
		return ErrInvalidCredentials
	}

	hash, err := s.hashPassword(newPassword)
	if err != nil {
		return err
	}

	if err := s.store.UpdatePasswordHash(ctx, userID, hash); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return s.upstream("update_password_failed", err, map[string]any{"user_id": userID})
	}

	return nil
}

func (s *Service) CurrentUser(ctx context.Context, userID string) (Profile, error) {
	user, err := s.store.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, s.upstream("current_user_lookup_failed", err, map[string]any{"user_id": userID})
	}
	return user.Profile(), nil
}

func (s *Service) UpdateAccount(ctx context.Context, userID, fullName, email string) (Profile, error) {
	fullName = strings.TrimSpace(fullName)
	email = normalizeIdentifier(email)

	if fullName == "" || email == "" {
		return Profile{}, validationError("all fields are required")
	}
	if err := validateEmail(email); err != nil {
		return Profile{}, err
	}

	user, err := s.store.UpdateProfile(ctx, userID, fullName, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
			return Profile{}, err
		}
		return Profile{}, s.upstream("update_account_failed", err, map[string]any{"user_id": userID})
	}

	return user.Profile(), nil
}

func (s *Service) UpdateAvatar(ctx context.Context, userID string, file *media.File) (Profile, error) {
	if file == nil {
		return Profile{}, validationError("avatar file is missing")
	}
	return s.replaceMedia(ctx, userID, SlotAvatar, *file)
}

func (s *Service) UpdateCoverImage(ctx context.Context, userID string, file *media.File) (Profile, error) {
	if file == nil {
		return Profile{}, validationError("cover image file is missing")
	}
	return s.replaceMedia(ctx, userID, SlotCoverImage, *file)
}

func (s *Service) replaceMedia(ctx context.Context, userID string, slot MediaSlot, file media.File) (Profile, error) {
	asset, err := s.media.Upload(ctx, file)
	if err != nil {
		return Profile{}, s.upstream("media_upload_failed", err, map[string]any{"user_id": userID, "slot": string(slot)})
	}

	user, previous, err := s.store.UpdateMedia(ctx, userID, slot, asset)
	if err != nil {
		s.discard(ctx, asset)
		if errors.Is(err, ErrNotFound) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, s.upstream("update_media_failed", err, map[string]any{"user_id": userID, "slot": string(slot)})
	}

	s.discard(ctx, previous)
	return user.Profile(), nil
}

// Authenticate resolves an access token to a live identity. Every failure,
// including a deleted user, is ErrUnauthorized unless the store is down.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (Profile, error) {
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return Profile{}, ErrUnauthorized
	}

	claims, err := s.tokens.Verify(accessToken, token.Access)
	if err != nil {
		return Profile{}, ErrUnauthorized
	}

	user, err := s.store.FindByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Profile{}, ErrUnauthorized
		}
		return Profile{}, s.upstream("gate_lookup_failed", err, map[string]any{"user_id": claims.UserID})
	}

	return user.Profile(), nil
}

// PurgeExpiredRefreshTokens clears refresh tokens whose expiry has passed.
func (s *Service) PurgeExpiredRefreshTokens(ctx context.Context, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	cleared, err := s.store.ClearExpiredRefreshTokens(ctx, s.now().UTC(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("clear expired refresh tokens: %w", err)
	}
	return cleared, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) issuePair(user User) (TokenPair, error) {
	access, accessExp, err := s.tokens.IssueAccess(token.Subject{
		ID:       user.ID,
		Email:    user.Email,
		Username: user.Username,
		FullName: user.FullName,
	})
	if err != nil {
		return TokenPair{}, fmt.Errorf("issue access token: %w", err)
	}

	refresh, refreshExp, err := s.tokens.IssueRefresh(user.ID)
	if err != nil {
		return TokenPair{}, fmt.Errorf("issue refresh token: %w", err)
	}

	return TokenPair{
		AccessToken:           access,
		RefreshToken:          refresh,
		AccessTokenExpiresAt:  accessExp,
		RefreshTokenExpiresAt: refreshExp,
	}, nil
}

func (s *Service) hashPassword(plaintext string) (string, error) {
	hash, err := s.hasher.Hash(plaintext)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", validationError("password must be at most 72 bytes")
		}
		if errors.Is(err, password.ErrEmptyPassword) {
			return "", validationError("password is required")
		}
		return "", err
	}
	return hash, nil
}

// upstream logs a collaborator failure with its detail and reports it,
// returning the generic ErrUpstream for the caller.
func (s *Service) upstream(event string, err error, fields map[string]any) error {
	if fields == nil {
		fields = make(map[string]any, 1)
	}
	fields["error"] = err.Error()
	s.logger.Error(event, fields)
	sentry.CaptureException(err)
	return ErrUpstream
}

// discard deletes uploaded assets that are no longer referenced. Failures are
// logged only.
func (s *Service) discard(ctx context.Context, assets ...media.Asset) {
	ctx = context.WithoutCancel(ctx)
	for _, asset := range assets {
		if asset.PublicID == "" {
			continue
		}
		if err := s.media.Delete(ctx, asset.PublicID); err != nil {
			s.logger.Warn("media_cleanup_failed", map[string]any{
				"public_id": asset.PublicID,
				"error":     err.Error(),
			})
		}
	}
}

func normalizeIdentifier(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func validateEmail(email string) error {
	at := strings.Index(email, "@")
	if at <= 0 || at == len(email)-1 {
		return validationError("email is invalid")
	}
	return nil
}
