package httpapi

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"pressdesk/backend/internal/apperr"
	"pressdesk/backend/internal/domain"
	"pressdesk/backend/internal/store"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	if _, ok := s.users[user.Username]; ok {
		return store.ErrConflict
	}
	s.users[user.Username] = user
	return nil
}

func (s *userStoreStub) GetUser(_ context.Context, username string) (domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		return domain.UserAccount{}, store.ErrNotFound
	}
	return user, nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

// mustHashPassword hashes at the minimum cost to keep tests fast.
func mustHashPassword(t *testing.T, plain string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

func newStubbedAuth(t *testing.T) (*AuthManager, *userStoreStub) {
	t.Helper()
	users := &userStoreStub{users: map[string]domain.UserAccount{
		"efua": {
			Username: "efua",
			Password: mustHashPassword(t, "efua-password"),
			PINHash:  mustHashPassword(t, "4821"),
			Role:     domain.RoleManager,
			BranchID: "branch-kumasi",
			Active:   true,
		},
		"yaw": {
			Username: "yaw",
			Password: mustHashPassword(t, "yaw-password"),
			PINHash:  mustHashPassword(t, "1357"),
			Role:     domain.RoleAttendant,
			BranchID: "branch-kumasi",
			Active:   false,
		},
	}}
	return NewAuthManager("unit-test-secret-0123456789abcdef", time.Hour, users), users
}

func TestLoginIssuesVerifiableToken(t *testing.T) {
	auth, _ := newStubbedAuth(t)

	resp, err := auth.Login(context.Background(), domain.LoginRequest{Username: "efua", Password: "efua-password"})
	require.NoError(t, err)
	assert.Equal(t, domain.RoleManager, resp.Role)
	assert.Equal(t, "branch-kumasi", resp.BranchID)

	actor, err := auth.ParseToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, domain.Actor{Username: "efua", Role: domain.RoleManager, BranchID: "branch-kumasi"}, actor)
}

func TestLoginRejections(t *testing.T) {
	auth, _ := newStubbedAuth(t)
	ctx := context.Background()

	_, err := auth.Login(ctx, domain.LoginRequest{Username: "efua", Password: "wrong"})
	assert.ErrorIs(t, err, errInvalidCredentials)

	_, err = auth.Login(ctx, domain.LoginRequest{Username: "ghost", Password: "whatever"})
	assert.ErrorIs(t, err, errInvalidCredentials)

	_, err = auth.Login(ctx, domain.LoginRequest{Username: "yaw", Password: "yaw-password"})
	assert.ErrorIs(t, err, errInactiveAccount)
}

func TestParseTokenRejectsExpiredAndForeignTokens(t *testing.T) {
	auth, _ := newStubbedAuth(t)
	resp, err := auth.Login(context.Background(), domain.LoginRequest{Username: "efua", Password: "efua-password"})
	require.NoError(t, err)

	other := NewAuthManager("a-completely-different-secret!!", time.Hour, &userStoreStub{})
	_, err = other.ParseToken(resp.AccessToken)
	assert.Error(t, err)

	auth.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = auth.ParseToken(resp.AccessToken)
	assert.Error(t, err)

	none := jwtlib.NewWithClaims(jwtlib.SigningMethodNone, jwtlib.MapClaims{"sub": "efua", "role": "admin"})
	unsigned, err := none.SignedString(jwtlib.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = auth.ParseToken(unsigned)
	assert.Error(t, err)
}

func TestVerifyPIN(t *testing.T) {
	auth, _ := newStubbedAuth(t)
	ctx := context.Background()

	assert.True(t, auth.VerifyPIN(ctx, "efua", "4821"))
	assert.True(t, auth.VerifyPIN(ctx, "efua", " 4821 "))
	assert.False(t, auth.VerifyPIN(ctx, "efua", "0000"))
	assert.False(t, auth.VerifyPIN(ctx, "efua", ""))
	assert.False(t, auth.VerifyPIN(ctx, "yaw", "1357"), "inactive accounts cannot sign off")
	assert.False(t, auth.VerifyPIN(ctx, "ghost", "4821"))
}

func TestCreateUserHashesSecrets(t *testing.T) {
	auth, users := newStubbedAuth(t)
	ctx := context.Background()

	user, err := auth.CreateUser(ctx, domain.UserCreateRequest{Username: " Akua ", Password: "akua-password", PIN: "2468", Role: domain.RoleAttendant, BranchID: "branch-kumasi"})
	require.NoError(t, err)
	assert.Equal(t, "akua", user.Username)
	assert.True(t, isPasswordHash(users.users["akua"].Password))
	assert.True(t, auth.VerifyPIN(ctx, "akua", "2468"))

	_, err = auth.CreateUser(ctx, domain.UserCreateRequest{Username: "akua", Password: "akua-password", Role: domain.RoleAttendant, BranchID: "branch-kumasi"})
	assert.ErrorIs(t, err, apperr.ErrState)

	_, err = auth.CreateUser(ctx, domain.UserCreateRequest{Username: "kojo", Password: "kojo-password", Role: domain.RoleManager})
	assert.ErrorIs(t, err, apperr.ErrValidation, "branch roles need a branch")

	_, err = auth.CreateUser(ctx, domain.UserCreateRequest{Username: "kojo mensah", Password: "kojo-password", Role: domain.RoleHQ})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestUpgradeLegacyPasswords(t *testing.T) {
	users := &userStoreStub{users: map[string]domain.UserAccount{
		"admin": {Username: "admin", Password: "admin123", Role: domain.RoleAdmin, Active: true, CreatedAt: time.Now().UTC()},
		"efua":  {Username: "efua", Password: mustHashPassword(t, "efua-password"), Role: domain.RoleManager, Active: true},
	}}
	auth := NewAuthManager("unit-test-secret-0123456789abcdef", time.Hour, users)

	_, err := auth.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"})
	assert.ErrorIs(t, err, errInvalidCredentials, "plain-text passwords are never compared")

	upgraded, err := auth.UpgradeLegacyPasswords(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, upgraded)
	assert.Equal(t, 1, users.updates)
	assert.True(t, isPasswordHash(users.users["admin"].Password))

	_, err = auth.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"})
	assert.NoError(t, err)

	upgraded, err = auth.UpgradeLegacyPasswords(context.Background())
	require.NoError(t, err)
	assert.Zero(t, upgraded)
}
