package httpapi

import (
	"context"
	"errors"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"pressdesk/backend/internal/apperr"
	"pressdesk/backend/internal/domain"
	"pressdesk/backend/internal/store"
)

var (
	errInvalidCredentials = errors.New("invalid credentials")
	errInactiveAccount    = errors.New("account is inactive")
)

// AuthManager issues and checks bearer tokens and verifies close-out PINs
// against the bcrypt hashes in the user store.
type AuthManager struct {
	secret   []byte
	tokenTTL time.Duration
	users    store.UserStore
	now      func() time.Time
}

type pressClaims struct {
	jwtlib.RegisteredClaims
	Role     string `json:"role"`
	BranchID string `json:"branch_id,omitempty"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, users store.UserStore) *AuthManager {
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	return &AuthManager{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		users:    users,
		now:      time.Now,
	}
}

func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	user, err := a.users.GetUser(ctx, req.Username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.LoginResponse{}, errInvalidCredentials
		}
		return domain.LoginResponse{}, err
	}
	if !verifyPassword(user.Password, req.Password) {
		return domain.LoginResponse{}, errInvalidCredentials
	}
	if !user.Active {
		return domain.LoginResponse{}, errInactiveAccount
	}

	expiresAt := a.now().UTC().Add(a.tokenTTL)
	token, err := a.sign(user, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, err
	}

	return domain.LoginResponse{
		AccessToken: token,
		Role:        user.Role,
		BranchID:    user.BranchID,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &pressClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}), jwtlib.WithTimeFunc(a.now))
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	return domain.Actor{Username: sub, Role: claims.Role, BranchID: claims.BranchID}, nil
}

func (a *AuthManager) sign(user domain.UserAccount, expiresAt time.Time) (string, error) {
	claims := pressClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   user.Username,
			IssuedAt:  jwtlib.NewNumericDate(a.now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    "pressdesk",
		},
		Role:     user.Role,
		BranchID: user.BranchID,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// VerifyPIN reports whether pin matches the stored PIN hash of an active
// user. Lookup failures count as a mismatch.
func (a *AuthManager) VerifyPIN(ctx context.Context, username string, pin string) bool {
	input := strings.TrimSpace(pin)
	if input == "" {
		return false
	}
	user, err := a.users.GetUser(ctx, username)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Warn().Err(err).Str("username", username).Msg("auth: pin lookup failed")
		}
		return false
	}
	if !user.Active || !isPasswordHash(user.PINHash) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(user.PINHash), []byte(input)) == nil
}

func (a *AuthManager) CreateUser(ctx context.Context, req domain.UserCreateRequest) (domain.UserAccount, error) {
	username := strings.ToLower(strings.TrimSpace(req.Username))
	if strings.ContainsAny(username, " \t\r\n") {
		return domain.UserAccount{}, apperr.ValidationFields("invalid user", map[string]string{"username": "must not contain spaces"})
	}
	if req.Role != domain.RoleHQ && req.Role != domain.RoleAdmin && req.BranchID == "" {
		return domain.UserAccount{}, apperr.ValidationFields("invalid user", map[string]string{"branch_id": "required for branch roles"})
	}

	passwordHash, err := hashPassword(req.Password)
	if err != nil {
		return domain.UserAccount{}, err
	}
	pinHash := ""
	if req.PIN != "" {
		if pinHash, err = hashPassword(req.PIN); err != nil {
			return domain.UserAccount{}, err
		}
	}

	user := domain.UserAccount{
		Username:  username,
		Password:  passwordHash,
		PINHash:   pinHash,
		Role:      req.Role,
		BranchID:  req.BranchID,
		Active:    true,
		CreatedAt: a.now().UTC(),
	}
	if err := a.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.UserAccount{}, apperr.State("username %s already exists", username)
		}
		return domain.UserAccount{}, err
	}
	return user, nil
}

func (a *AuthManager) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	return a.users.ListUsers(ctx)
}

// UpgradeLegacyPasswords rehashes any plain-text passwords left in the user
// store by older imports. It returns the number of accounts upgraded.
func (a *AuthManager) UpgradeLegacyPasswords(ctx context.Context) (int, error) {
	users, err := a.users.ListUsers(ctx)
	if err != nil {
		return 0, err
	}
	upgraded := 0
	for _, user := range users {
		if user.Password == "" || isPasswordHash(user.Password) {
			continue
		}
		hashed, err := hashPassword(user.Password)
		if err != nil {
			return upgraded, err
		}
		if err := a.users.UpdateUserPassword(ctx, user.Username, hashed); err != nil {
			return upgraded, err
		}
		upgraded++
	}
	return upgraded, nil
}

func verifyPassword(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isPasswordHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
