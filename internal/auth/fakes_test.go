package auth

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/crypto/bcrypt"

	"tube-backend/internal/media"
	"tube-backend/internal/observability"
	"tube-backend/internal/password"
	"tube-backend/internal/token"
)

type memStore struct {
	mu    sync.Mutex
	users map[string]User
	seq   int

	createErr error
	findErr   error
}

func newMemStore() *memStore {
	return &memStore{users: make(map[string]User)}
}

func (s *memStore) Create(_ context.Context, user User) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.createErr != nil {
		return User{}, s.createErr
	}
	for _, existing := range s.users {
		if existing.Username == user.Username || existing.Email == user.Email {
			return User{}, ErrConflict
		}
	}

	s.seq++
	now := time.Now().UTC()
	user.ID = fmt.Sprintf("u-%d", s.seq)
	user.CreatedAt = now
	user.UpdatedAt = now
	s.users[user.ID] = user
	return user, nil
}

func (s *memStore) FindByID(_ context.Context, id string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.findErr != nil {
		return User{}, s.findErr
	}
	user, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

func (s *memStore) FindByLogin(_ context.Context, username, email string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.findErr != nil {
		return User{}, s.findErr
	}
	for _, user := range s.users {
		if (username != "" && user.Username == username) || (email != "" && user.Email == email) {
			return user, nil
		}
	}
	return User{}, ErrNotFound
}

func (s *memStore) UpdateProfile(_ context.Context, id, fullName, email string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	for otherID, other := range s.users {
		if otherID != id && other.Email == email {
			return User{}, ErrConflict
		}
	}
	user.FullName = fullName
	user.Email = email
	s.users[id] = user
	return user, nil
}

func (s *memStore) UpdatePasswordHash(_ context.Context, id, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	user.PasswordHash = hash
	s.users[id] = user
	return nil
}

func (s *memStore) UpdateMedia(_ context.Context, id string, slot MediaSlot, asset media.Asset) (User, media.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[id]
	if !ok {
		return User{}, media.Asset{}, ErrNotFound
	}

	var previous media.Asset
	switch slot {
	case SlotAvatar:
		previous, user.Avatar = user.Avatar, asset
	case SlotCoverImage:
		previous, user.CoverImage = user.CoverImage, asset
	default:
		return User{}, media.Asset{}, fmt.Errorf("unknown media slot %q", slot)
	}
	s.users[id] = user
	return user, previous, nil
}

func (s *memStore) SetRefreshToken(_ context.Context, id, tok string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	user.RefreshToken = tok
	user.RefreshTokenExpiresAt = &expiresAt
	s.users[id] = user
	return nil
}

func (s *memStore) SwapRefreshToken(_ context.Context, id, current, next string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[id]
	if !ok || current == "" || user.RefreshToken != current {
		return ErrRefreshTokenMismatch
	}
	user.RefreshToken = next
	user.RefreshTokenExpiresAt = &expiresAt
	s.users[id] = user
	return nil
}

func (s *memStore) ClearRefreshToken(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user, ok := s.users[id]; ok {
		user.RefreshToken = ""
		user.RefreshTokenExpiresAt = nil
		s.users[id] = user
	}
	return nil
}

func (s *memStore) ClearExpiredRefreshTokens(_ context.Context, before time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cleared int64
	for id, user := range s.users {
		if cleared >= int64(limit) {
			break
		}
		if user.RefreshToken != "" && user.RefreshTokenExpiresAt != nil && user.RefreshTokenExpiresAt.Before(before) {
			user.RefreshToken = ""
			user.RefreshTokenExpiresAt = nil
			s.users[id] = user
			cleared++
		}
	}
	return cleared, nil
}

func (s *memStore) Ping(context.Context) error { return nil }

func (s *memStore) get(t *testing.T, id string) User {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	require.True(t, ok, "user %s not stored", id)
	return user
}

func (s *memStore) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, id)
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

type fakeMedia struct {
	mu       sync.Mutex
	seq      int
	uploads  []media.File
	deleted  []string
	failOnNo int
}

func (m *fakeMedia) Upload(_ context.Context, file media.File) (media.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	if m.failOnNo == m.seq {
		return media.Asset{}, fmt.Errorf("upload %d rejected", m.seq)
	}
	m.uploads = append(m.uploads, file)
	return media.Asset{
		URL:      fmt.Sprintf("https://cdn.test/asset-%d", m.seq),
		PublicID: fmt.Sprintf("asset-%d", m.seq),
	}, nil
}

func (m *fakeMedia) Delete(_ context.Context, publicID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, publicID)
	return nil
}

func (m *fakeMedia) deletedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleted...)
}

func testTokenConfig() token.Config {
	return token.Config{
		AccessSecret:  []byte("test-access-secret"),
		AccessTTL:     15 * time.Minute,
		RefreshSecret: []byte("test-refresh-secret"),
		RefreshTTL:    240 * time.Hour,
	}
}

type testEnv struct {
	service *Service
	store   *memStore
	media   *fakeMedia
	tokens  *token.Manager
	logs    *observer.ObservedLogs
}

func newTestEnv(t *testing.T, opts ...token.Option) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, newMemStore(), opts...)
}

func newTestEnvWithStore(t *testing.T, store *memStore, opts ...token.Option) *testEnv {
	t.Helper()

	tokens, err := token.NewManager(testTokenConfig(), opts...)
	require.NoError(t, err)

	core, logs := observer.New(zapcore.DebugLevel)
	logger := observability.NewLoggerFromZap(zap.New(core))
	mediaStore := &fakeMedia{}

	return &testEnv{
		service: NewService(store, tokens, password.NewHasher(bcrypt.MinCost), mediaStore, logger),
		store:   store,
		media:   mediaStore,
		tokens:  tokens,
		logs:    logs,
	}
}

func avatarFile() *media.File {
	return &media.File{Name: "avatar.png", ContentType: "image/png", Data: []byte("png")}
}

func aliceInput() RegisterInput {
	return RegisterInput{
		Username: "alice",
		Email:    "a@x.com",
		FullName: "Alice",
		Password: "correct-pw",
		Avatar:   avatarFile(),
	}
}

func (e *testEnv) registerAlice(t *testing.T) Profile {
	t.Helper()
	profile, err := e.service.Register(context.Background(), aliceInput())
	require.NoError(t, err)
	return profile
}

func (e *testEnv) loginAlice(t *testing.T) Session {
	t.Helper()
	session, err := e.service.Login(context.Background(), Credentials{Username: "alice", Password: "correct-pw"})
	require.NoError(t, err)
	return session
}
