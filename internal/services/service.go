// Package services holds account and bookkeeping logic that sits between
// the HTTP handlers and the store.
package services

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"agrimanagement/internal/apperr"
	"agrimanagement/internal/config"
	"agrimanagement/internal/models"
	"agrimanagement/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already registered")
)

const minPasswordLength = 8

type Service struct {
	store  store.Store
	config config.Config
	loc    *time.Location
	now    func() time.Time
}

func New(st store.Store, cfg config.Config) *Service {
	return &Service{store: st, config: cfg, loc: cfg.Location(), now: time.Now}
}

// CreateUser registers an email/password account. The store creates the
// default free subscription in the same write.
func (s *Service) CreateUser(ctx context.Context, email, password, displayName string) (models.User, error) {
	email = normalizeEmail(email)
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		return models.User{}, apperr.InvalidInput("invalid email address")
	}
	if len(password) < minPasswordLength {
		return models.User{}, apperr.InvalidInput("password must be at least %d characters", minPasswordLength)
	}
	passwordHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, err
	}
	user, err := s.store.CreateUser(ctx, models.User{
		Email:        email,
		PasswordHash: string(passwordHash),
		DisplayName:  strings.TrimSpace(displayName),
	})
	if errors.Is(err, store.ErrConflict) {
		return models.User{}, ErrEmailTaken
	}
	return user, err
}

func (s *Service) GetUserByID(ctx context.Context, id uuid.UUID) (models.User, error) {
	return s.store.GetUserByID(ctx, id)
}

// AuthenticateUser checks an email/password pair. Unknown emails and
// Google-only accounts fail the same way as a wrong password.
func (s *Service) AuthenticateUser(ctx context.Context, email, password string) (models.User, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return models.User{}, ErrInvalidCredentials
	}
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return models.User{}, ErrInvalidCredentials
		}
		return models.User{}, err
	}
	if user.PasswordHash == "" {
		return models.User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return models.User{}, ErrInvalidCredentials
	}
	return user, nil
}

// GetOrCreateUserByGoogleID signs in a Google account: an existing link
// wins, then an account with the same email is linked, else a new user is
// created. The bool reports creation.
func (s *Service) GetOrCreateUserByGoogleID(ctx context.Context, googleID, email, displayName string) (models.User, bool, error) {
	email = normalizeEmail(email)
	if googleID == "" || email == "" {
		return models.User{}, false, apperr.InvalidInput("google account has no id or email")
	}

	user, err := s.store.GetUserByGoogleID(ctx, googleID)
	if err == nil {
		return user, false, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return models.User{}, false, err
	}

	existing, err := s.store.GetUserByEmail(ctx, email)
	if err == nil {
		if err := s.store.LinkGoogleID(ctx, existing.ID, googleID); err != nil {
			return models.User{}, false, err
		}
		existing.GoogleID = &googleID
		return existing, false, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return models.User{}, false, err
	}

	user, err = s.store.CreateUser(ctx, models.User{
		Email:       email,
		GoogleID:    &googleID,
		DisplayName: strings.TrimSpace(displayName),
	})
	if err != nil {
		return models.User{}, false, err
	}
	return user, true, nil
}

// Account is a user with their current subscription record.
type Account struct {
	User         models.User         `json:"user"`
	Subscription models.Subscription `json:"subscription"`
}

func (s *Service) Account(ctx context.Context, userID uuid.UUID) (Account, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Account{}, err
	}
	sub, err := s.store.EnsureSubscription(ctx, userID)
	if err != nil {
		return Account{}, err
	}
	return Account{User: user, Subscription: sub}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
