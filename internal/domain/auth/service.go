// Package auth implements traveler registration, login and profile lookup.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	domainaudit "github.com/matiasleandrokruk/wanderplan/internal/domain/audit"
	"github.com/matiasleandrokruk/wanderplan/internal/infra/sqlite"
	pkgauth "github.com/matiasleandrokruk/wanderplan/pkg/auth"
	"github.com/matiasleandrokruk/wanderplan/pkg/uuid"
)

// MinPasswordLength is the shortest password Register accepts.
const MinPasswordLength = 8

// MaxPasswordBytes is the bcrypt input limit.
const MaxPasswordBytes = 72

var (
	// ErrInvalidCredentials covers both unknown email and wrong password so
	// callers cannot probe which accounts exist.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrEmailAlreadyExists = errors.New("email already registered")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidInput       = errors.New("invalid input")
)

type RegisterInput struct {
	Email       string
	Password    string
	DisplayName string
}

type LoginInput struct {
	Email    string
	Password string
}

// Result is returned after a successful Register or Login.
type Result struct {
	Token     string
	ExpiresAt time.Time
	User      User
}

// User is the public profile of an account.
type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName"`
	CreatedAt   time.Time `json:"createdAt"`
}

type auditLogger interface {
	LogWithDetails(
		ctx context.Context,
		actorID string,
		action string,
		entityType *string,
		entityID *string,
		details *domainaudit.EventDetails,
		outcome domainaudit.Outcome,
	) error
}

// Service is backed by the users table.
type Service struct {
	db     *sql.DB
	tokens *pkgauth.TokenIssuer
	audit  auditLogger
	now    func() time.Time
}

// NewService creates an auth service. audit may be nil.
func NewService(db *sql.DB, tokens *pkgauth.TokenIssuer, audit auditLogger) *Service {
	return &Service{db: db, tokens: tokens, audit: audit, now: time.Now}
}

// NormalizeEmail trims and lowercases an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateRegister(in RegisterInput) error {
	if in.Email == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	if addr, err := mail.ParseAddress(in.Email); err != nil || addr.Address != in.Email {
		return fmt.Errorf("%w: email is not a valid address", ErrInvalidInput)
	}
	if len(in.Password) < MinPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, MinPasswordLength)
	}
	if len(in.Password) > MaxPasswordBytes {
		return fmt.Errorf("%w: password must be at most %d bytes", ErrInvalidInput, MaxPasswordBytes)
	}
	if len(in.DisplayName) > 100 {
		return fmt.Errorf("%w: displayName must be at most 100 characters", ErrInvalidInput)
	}
	return nil
}

// Register creates the user and returns a session token.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*Result, error) {
	in.Email = NormalizeEmail(in.Email)
	in.DisplayName = strings.TrimSpace(in.DisplayName)
	if err := validateRegister(in); err != nil {
		return nil, err
	}

	hash, err := pkgauth.HashPassword(in.Password)
	if err != nil {
		return nil, err
	}

	user := User{
		ID:          uuid.New(),
		Email:       in.Email,
		DisplayName: in.DisplayName,
		CreatedAt:   s.now().UTC(),
	}
	ts := sqlite.FormatTime(user.CreatedAt)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, display_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, user.ID, user.Email, hash, user.DisplayName, ts, ts)
	if err != nil {
		if sqlite.IsUniqueViolation(err) {
			return nil, ErrEmailAlreadyExists
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	res, err := s.issue(user)
	if err != nil {
		s.logFailure(ctx, user.ID, domainaudit.ActionRegister, "jwt_generation_failed")
		return nil, err
	}
	s.logSuccess(ctx, user.ID, domainaudit.ActionRegister)
	return res, nil
}

// Login verifies credentials and returns a session token.
func (s *Service) Login(ctx context.Context, in LoginInput) (*Result, error) {
	email := NormalizeEmail(in.Email)

	var (
		user      User
		hash      string
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, display_name, created_at
		FROM users
		WHERE email = ?
	`, email).Scan(&user.ID, &user.Email, &hash, &user.DisplayName, &createdAt)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to load user: %w", err)
		}
		s.logFailure(ctx, "unknown", domainaudit.ActionLogin, "user_not_found")
		return nil, ErrInvalidCredentials
	}
	user.CreatedAt, _ = sqlite.ParseTime(createdAt)

	if !pkgauth.VerifyPassword(hash, in.Password) {
		s.logFailure(ctx, user.ID, domainaudit.ActionLogin, "invalid_password")
		return nil, ErrInvalidCredentials
	}

	res, err := s.issue(user)
	if err != nil {
		s.logFailure(ctx, user.ID, domainaudit.ActionLogin, "jwt_generation_failed")
		return nil, err
	}
	s.logSuccess(ctx, user.ID, domainaudit.ActionLogin)
	return res, nil
}

// Me returns the profile for userID.
func (s *Service) Me(ctx context.Context, userID string) (*User, error) {
	var (
		user      User
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, created_at FROM users WHERE id = ?
	`, userID).Scan(&user.ID, &user.Email, &user.DisplayName, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	user.CreatedAt, _ = sqlite.ParseTime(createdAt)
	return &user, nil
}

func (s *Service) issue(user User) (*Result, error) {
	token, expiresAt, err := s.tokens.Issue(user.ID, user.Email)
	if err != nil {
		return nil, err
	}
	return &Result{Token: token, ExpiresAt: expiresAt, User: user}, nil
}

func (s *Service) logSuccess(ctx context.Context, userID, action string) {
	if s.audit == nil {
		return
	}
	_ = s.audit.LogWithDetails(ctx, userID, action, nil, nil, nil, domainaudit.OutcomeSuccess)
}

func (s *Service) logFailure(ctx context.Context, userID, action, reason string) {
	if s.audit == nil {
		return
	}
	_ = s.audit.LogWithDetails(ctx, userID, action, nil, nil,
		&domainaudit.EventDetails{Reason: reason}, domainaudit.OutcomeDenied)
}
