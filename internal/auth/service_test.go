package auth

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tube-backend/internal/media"
	"tube-backend/internal/password"
	"tube-backend/internal/token"
)

func TestRegister_HashesPassword(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	profile := env.registerAlice(t)

	stored := env.store.get(t, profile.ID)
	assert.NotEqual(t, "correct-pw", stored.PasswordHash)
	assert.True(t, password.IsHash(stored.PasswordHash))
	assert.True(t, env.service.hasher.Verify("correct-pw", stored.PasswordHash))

	assert.Equal(t, "alice", profile.Username)
	assert.Equal(t, "https://cdn.test/asset-1", profile.Avatar)
	assert.Empty(t, profile.CoverImage)
}

func TestRegister_NormalizesIdentifiers(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	in := aliceInput()
	in.Username = "  Alice "
	in.Email = " A@X.com"
	in.FullName = " Alice Liddell "

	profile, err := env.service.Register(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "alice", profile.Username)
	assert.Equal(t, "a@x.com", profile.Email)
	assert.Equal(t, "Alice Liddell", profile.FullName)
}

func TestRegister_Conflict(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.registerAlice(t)

	tests := []struct {
		name     string
		username string
		email    string
	}{
		{name: "same username", username: "ALICE", email: "other@x.com"},
		{name: "same email", username: "other", email: "a@x.com"},
	}

	for _, tt := range tests {
		in := aliceInput()
		in.Username = tt.username
		in.Email = tt.email

		_, err := env.service.Register(context.Background(), in)
		assert.ErrorIs(t, err, ErrConflict, tt.name)
	}

	assert.Equal(t, 1, env.store.count())
}

func TestRegister_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*RegisterInput)
	}{
		{name: "missing username", mutate: func(in *RegisterInput) { in.Username = "  " }},
		{name: "missing email", mutate: func(in *RegisterInput) { in.Email = "" }},
		{name: "missing fullname", mutate: func(in *RegisterInput) { in.FullName = "" }},
		{name: "blank password", mutate: func(in *RegisterInput) { in.Password = "   " }},
		{name: "email without at", mutate: func(in *RegisterInput) { in.Email = "ax.com" }},
		{name: "email ending in at", mutate: func(in *RegisterInput) { in.Email = "a@" }},
		{name: "missing avatar", mutate: func(in *RegisterInput) { in.Avatar = nil }},
		{name: "password over 72 bytes", mutate: func(in *RegisterInput) {
			in.Password = string(make([]byte, 73))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			in := aliceInput()
			tt.mutate(&in)

			_, err := env.service.Register(context.Background(), in)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidation)
			assert.Equal(t, 0, env.store.count())
			assert.Empty(t, env.media.uploads)
		})
	}
}

func TestRegister_CreateFailureRemovesUploads(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.store.createErr = errors.New("connection reset")

	in := aliceInput()
	in.CoverImage = &media.File{Name: "cover.png", ContentType: "image/png", Data: []byte("png")}

	_, err := env.service.Register(context.Background(), in)
	assert.ErrorIs(t, err, ErrUpstream)
	assert.NotContains(t, err.Error(), "connection reset")
	assert.ElementsMatch(t, []string{"asset-1", "asset-2"}, env.media.deletedIDs())
	assert.Equal(t, 0, env.store.count())
	assert.Equal(t, 1, env.logs.FilterMessage("create_user_failed").Len())
}

func TestRegister_CoverUploadFailureAbortsBeforeCreate(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.media.failOnNo = 2

	in := aliceInput()
	in.CoverImage = &media.File{Name: "cover.png", ContentType: "image/png", Data: []byte("png")}

	_, err := env.service.Register(context.Background(), in)
	assert.ErrorIs(t, err, ErrUpstream)
	assert.Equal(t, []string{"asset-1"}, env.media.deletedIDs())
	assert.Equal(t, 0, env.store.count())
}

func TestLogin_ReturnsTokensAndStrippedProfile(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.registerAlice(t)

	session := env.loginAlice(t)
	assert.NotEmpty(t, session.AccessToken)
	assert.NotEmpty(t, session.RefreshToken)
	assert.Equal(t, "alice", session.User.Username)

	encoded, err := json.Marshal(session.User)
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(encoded, &fields))
	assert.NotContains(t, fields, "password")
	assert.NotContains(t, fields, "passwordHash")
	assert.NotContains(t, fields, "refreshToken")

	stored := env.store.get(t, session.User.ID)
	assert.Equal(t, session.RefreshToken, stored.RefreshToken)
	require.NotNil(t, stored.RefreshTokenExpiresAt)
	assert.WithinDuration(t, session.RefreshTokenExpiresAt, *stored.RefreshTokenExpiresAt, time.Second)

	claims, err := env.tokens.Verify(session.AccessToken, token.Access)
	require.NoError(t, err)
	assert.Equal(t, session.User.ID, claims.UserID)
	assert.Equal(t, "a@x.com", claims.Email)
	assert.Equal(t, "Alice", claims.FullName)
}

func TestLogin_ByEmail(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.registerAlice(t)

	session, err := env.service.Login(context.Background(), Credentials{Email: " A@X.COM ", Password: "correct-pw"})
	require.NoError(t, err)
	assert.Equal(t, "alice", session.User.Username)
}

func TestLogin_Failures(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.registerAlice(t)
	ctx := context.Background()

	_, err := env.service.Login(ctx, Credentials{Username: "alice", Password: "wrong-pw"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = env.service.Login(ctx, Credentials{Username: "bob", Password: "correct-pw"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = env.service.Login(ctx, Credentials{Password: "correct-pw"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = env.service.Login(ctx, Credentials{Username: "alice"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestLogin_StoreFailureIsUpstream(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.store.findErr = errors.New("dial tcp: connection refused")

	_, err := env.service.Login(context.Background(), Credentials{Username: "alice", Password: "correct-pw"})
	assert.ErrorIs(t, err, ErrUpstream)
	assert.Equal(t, ErrUpstream.Error(), PublicMessage(err))

	entries := env.logs.FilterMessage("login_lookup_failed").All()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].ContextMap()["error"], "connection refused")
}

func TestLogin_NewSessionReplacesPrevious(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.registerAlice(t)

	first := env.loginAlice(t)
	second := env.loginAlice(t)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	_, err := env.service.Refresh(context.Background(), first.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = env.service.Refresh(context.Background(), second.RefreshToken)
	assert.NoError(t, err)
}

func TestRefresh_RotationInvalidatesOldToken(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.registerAlice(t)
	session := env.loginAlice(t)
	ctx := context.Background()

	tokenA := session.RefreshToken
	pairB, err := env.service.Refresh(ctx, tokenA)
	require.NoError(t, err)
	assert.NotEqual(t, tokenA, pairB.RefreshToken)
	assert.NotEmpty(t, pairB.AccessToken)

	_, err = env.service.Refresh(ctx, tokenA)
	assert.ErrorIs(t, err, ErrInvalidToken)

	pairC, err := env.service.Refresh(ctx, pairB.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, pairC.RefreshToken, env.store.get(t, session.User.ID).RefreshToken)
}

func TestRefresh_AfterLogoutFails(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.registerAlice(t)
	session := env.loginAlice(t)
	ctx := context.Background()

	require.NoError(t, env.service.Logout(ctx, session.User.ID))
	require.NoError(t, env.service.Logout(ctx, session.User.ID))
	assert.Empty(t, env.store.get(t, session.User.ID).RefreshToken)

	_, err := env.service.Refresh(ctx, session.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefresh_Rejects(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.registerAlice(t)
	session := env.loginAlice(t)
	ctx := context.Background()

	_, err := env.service.Refresh(ctx, "  ")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = env.service.Refresh(ctx, "garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = env.service.Refresh(ctx, session.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	env.store.remove(session.User.ID)
	_, err = env.service.Refresh(ctx, session.RefreshToken)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRefresh_ExpiredToken(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	past := time.Now().Add(-300 * time.Hour)
	issuer := newTestEnvWithStore(t, store, token.WithClock(func() time.Time { return past }))
	issuer.registerAlice(t)
	session := issuer.loginAlice(t)

	verifier := newTestEnvWithStore(t, store)
	_, err := verifier.service.Refresh(context.Background(), session.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefresh_ConcurrentSameTokenHasOneWinner(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.registerAlice(t)
	session := env.loginAlice(t)

	const callers = 16
	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		results = make([]TokenPair, callers)
		errs    = make([]error, callers)
	)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = env.service.Refresh(context.Background(), session.RefreshToken)
		}(i)
	}
	close(start)
	wg.Wait()

	winners := 0
	var winner TokenPair
	for i := 0; i < callers; i++ {
		if errs[i] == nil {
			winners++
			winner = results[i]
			continue
		}
		assert.ErrorIs(t, errs[i], ErrInvalidToken)
	}

	require.Equal(t, 1, winners)
	assert.Equal(t, winner.RefreshToken, env.store.get(t, session.User.ID).RefreshToken)
}

// staleStore serves a snapshot taken before another rotation landed.
type staleStore struct {
	*memStore
	snapshot User
}

func (s *staleStore) FindByID(context.Context, string) (User, error) {
	return s.snapshot, nil
}

func TestRefresh_ConditionalUpdateRejectsStaleRead(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.registerAlice(t)
	session := env.loginAlice(t)
	snapshot := env.store.get(t, session.User.ID)

	_, err := env.service.Refresh(context.Background(), session.RefreshToken)
	require.NoError(t, err)
	rotated := env.store.get(t, session.User.ID).RefreshToken

	stale := NewService(&staleStore{memStore: env.store, snapshot: snapshot}, env.tokens, env.service.hasher, env.media, env.service.logger)
	_, err = stale.Refresh(context.Background(), session.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Equal(t, rotated, env.store.get(t, session.User.ID).RefreshToken)
	assert.Equal(t, 1, env.logs.FilterMessage("refresh_rotation_conflict").Len())
}

func TestChangePassword(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	profile := env.registerAlice(t)
	session := env.loginAlice(t)
	ctx := context.Background()

	err := env.service.ChangePassword(ctx, profile.ID, "wrong-pw", "new-pw")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	err = env.service.ChangePassword(ctx, profile.ID, "correct-pw", "")
	assert.ErrorIs(t, err, ErrValidation)

	require.NoError(t, env.service.ChangePassword(ctx, profile.ID, "correct-pw", "new-pw"))
	assert.True(t, password.IsHash(env.store.get(t, profile.ID).PasswordHash))

	_, err = env.service.Login(ctx, Credentials{Username: "alice", Password: "correct-pw"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = env.service.Login(ctx, Credentials{Username: "alice", Password: "new-pw"})
	assert.NoError(t, err)

	// access tokens issued before the change stay valid until they expire
	_, err = env.service.Authenticate(ctx, session.AccessToken)
	assert.NoError(t, err)

	err = env.service.ChangePassword(ctx, "u-404", "x", "y")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.registerAlice(t)
	session := env.loginAlice(t)
	ctx := context.Background()

	profile, err := env.service.Authenticate(ctx, session.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, session.User.ID, profile.ID)

	_, err = env.service.Authenticate(ctx, "")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = env.service.Authenticate(ctx, session.RefreshToken)
	assert.ErrorIs(t, err, ErrUnauthorized)

	env.store.remove(session.User.ID)
	_, err = env.service.Authenticate(ctx, session.AccessToken)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthenticate_ExpiredAccessToken(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	past := time.Now().Add(-time.Hour)
	issuer := newTestEnvWithStore(t, store, token.WithClock(func() time.Time { return past }))
	issuer.registerAlice(t)
	session := issuer.loginAlice(t)

	verifier := newTestEnvWithStore(t, store)
	_, err := verifier.service.Authenticate(context.Background(), session.AccessToken)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthenticate_WrongSecret(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	profile := env.registerAlice(t)

	cfg := testTokenConfig()
	cfg.AccessSecret = []byte("attacker-secret")
	forger, err := token.NewManager(cfg)
	require.NoError(t, err)

	forged, _, err := forger.IssueAccess(token.Subject{ID: profile.ID, Username: "alice"})
	require.NoError(t, err)

	_, err = env.service.Authenticate(context.Background(), forged)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestCurrentUser(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	profile := env.registerAlice(t)

	got, err := env.service.CurrentUser(context.Background(), profile.ID)
	require.NoError(t, err)
	assert.Equal(t, profile, got)

	_, err = env.service.CurrentUser(context.Background(), "u-404")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateAccount(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	alice := env.registerAlice(t)

	bob := aliceInput()
	bob.Username = "bob"
	bob.Email = "b@x.com"
	_, err := env.service.Register(context.Background(), bob)
	require.NoError(t, err)

	updated, err := env.service.UpdateAccount(context.Background(), alice.ID, " Alice L ", " ALICE@new.com ")
	require.NoError(t, err)
	assert.Equal(t, "Alice L", updated.FullName)
	assert.Equal(t, "alice@new.com", updated.Email)

	_, err = env.service.UpdateAccount(context.Background(), alice.ID, "Alice", "b@x.com")
	assert.ErrorIs(t, err, ErrConflict)

	_, err = env.service.UpdateAccount(context.Background(), alice.ID, "", "a@x.com")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = env.service.UpdateAccount(context.Background(), alice.ID, "Alice", "nope")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestUpdateAvatar_ReplacesAndRemovesPrevious(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	profile := env.registerAlice(t)

	updated, err := env.service.UpdateAvatar(context.Background(), profile.ID, avatarFile())
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/asset-2", updated.Avatar)
	assert.Equal(t, []string{"asset-1"}, env.media.deletedIDs())

	_, err = env.service.UpdateAvatar(context.Background(), profile.ID, nil)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestUpdateCoverImage_FirstImageDeletesNothing(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	profile := env.registerAlice(t)

	updated, err := env.service.UpdateCoverImage(context.Background(), profile.ID, avatarFile())
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/asset-2", updated.CoverImage)
	assert.Empty(t, env.media.deletedIDs())
}

func TestUpdateAvatar_UnknownUserDiscardsUpload(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	_, err := env.service.UpdateAvatar(context.Background(), "u-404", avatarFile())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []string{"asset-1"}, env.media.deletedIDs())
}

func TestPurgeExpiredRefreshTokens(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.registerAlice(t)
	session := env.loginAlice(t)

	cleared, err := env.service.PurgeExpiredRefreshTokens(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, cleared)

	env.service.now = func() time.Time { return time.Now().Add(241 * time.Hour) }
	cleared, err = env.service.PurgeExpiredRefreshTokens(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cleared)
	assert.Empty(t, env.store.get(t, session.User.ID).RefreshToken)
}
