// Package auth resolves bearer credentials to member profiles. The rides
// core never sees a token; it only consumes the resolved identity.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/rideboard/internal/kvstore"
	"github.com/example/rideboard/internal/models"
)

var (
	ErrUnauthorized       = errors.New("invalid or expired token")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailExists        = errors.New("email already registered")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
	ErrMissingFields      = errors.New("email, password, and name are required")
)

const (
	userPrefix       = "user:"
	credentialPrefix = "cred:"
)

// Resolver turns a bearer token into a member profile.
type Resolver interface {
	Resolve(ctx context.Context, token string) (*models.Profile, error)
}

// Claims are the JWT claims carried in issued tokens.
type Claims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// credential is the stored login record, keyed by cred:<email>.
type credential struct {
	UserID       string `json:"userId"`
	PasswordHash string `json:"passwordHash"`
}

// Service issues and verifies tokens and keeps member profiles in the
// key/value store under user:<id>.
type Service struct {
	Store    kvstore.Store
	Secret   []byte
	TokenTTL time.Duration

	Now func() time.Time
}

func NewService(store kvstore.Store, secret string, ttl time.Duration) *Service {
	return &Service{Store: store, Secret: []byte(secret), TokenTTL: ttl}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// SignupParams carries the fields of a new account.
type SignupParams struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	Name         string `json:"name"`
	Phone        string `json:"phone"`
	CollegeEmail string `json:"collegeEmail"`
}

// Signup creates an account and returns the profile with a fresh token.
func (s *Service) Signup(ctx context.Context, params SignupParams) (*models.Profile, string, error) {
	email := strings.ToLower(strings.TrimSpace(params.Email))
	if email == "" || params.Password == "" || params.Name == "" {
		return nil, "", ErrMissingFields
	}
	if len(params.Password) < 8 {
		return nil, "", ErrWeakPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(params.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash password: %w", err)
	}

	profile := &models.Profile{
		ID:           uuid.NewString(),
		Name:         params.Name,
		Email:        email,
		Phone:        params.Phone,
		CollegeEmail: params.CollegeEmail,
	}
	cred := credential{UserID: profile.ID, PasswordHash: string(hash)}
	credBytes, err := json.Marshal(cred)
	if err != nil {
		return nil, "", fmt.Errorf("encode credential: %w", err)
	}

	// The profile goes in first. Its key is a fresh uuid nothing references
	// yet, so a failure after this write leaves an unreachable record, not a
	// registered email that can never log in.
	profBytes, err := json.Marshal(profile)
	if err != nil {
		return nil, "", fmt.Errorf("encode profile: %w", err)
	}
	if err := s.Store.Set(ctx, userPrefix+profile.ID, profBytes); err != nil {
		return nil, "", fmt.Errorf("store profile: %w", err)
	}

	// The credential key is the uniqueness point for the email; SetNX keeps
	// two concurrent signups from silently overwriting each other.
	ok, err := s.Store.SetNX(ctx, credentialPrefix+email, credBytes)
	if err != nil {
		return nil, "", fmt.Errorf("store credential: %w", err)
	}
	if !ok {
		_ = s.Store.Delete(ctx, userPrefix+profile.ID)
		return nil, "", ErrEmailExists
	}

	token, err := s.issue(profile.ID)
	if err != nil {
		return nil, "", err
	}
	return profile, token, nil
}

// Login verifies credentials and issues a token.
func (s *Service) Login(ctx context.Context, email, password string) (*models.Profile, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	b, err := s.Store.Get(ctx, credentialPrefix+email)
	if err != nil {
		return nil, "", ErrInvalidCredentials
	}
	var cred credential
	if err := json.Unmarshal(b, &cred); err != nil {
		return nil, "", fmt.Errorf("decode credential: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(password)); err != nil {
		return nil, "", ErrInvalidCredentials
	}
	profile, err := s.profile(ctx, cred.UserID)
	if err != nil {
		return nil, "", err
	}
	token, err := s.issue(profile.ID)
	if err != nil {
		return nil, "", err
	}
	return profile, token, nil
}

// Resolve validates the bearer token and loads the member's profile.
func (s *Service) Resolve(ctx context.Context, tokenString string) (*models.Profile, error) {
	if tokenString == "" {
		return nil, ErrUnauthorized
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.Secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrUnauthorized
	}
	return s.profile(ctx, claims.UserID)
}

func (s *Service) profile(ctx context.Context, userID string) (*models.Profile, error) {
	b, err := s.Store.Get(ctx, userPrefix+userID)
	if err != nil {
		if errors.Is(err, kvstore.ErrKeyNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("load profile: %w", err)
	}
	var p models.Profile
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("decode profile %s: %w", userID, err)
	}
	return &p, nil
}

func (s *Service) issue(userID string) (string, error) {
	now := s.now()
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.TokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.Secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
