package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	domainauth "github.com/matiasleandrokruk/wanderplan/internal/domain/auth"
)

// AuthService is implemented by domainauth.Service.
type AuthService interface {
	Register(ctx context.Context, in domainauth.RegisterInput) (*domainauth.Result, error)
	Login(ctx context.Context, in domainauth.LoginInput) (*domainauth.Result, error)
	Me(ctx context.Context, userID string) (*domainauth.User, error)
}

// AuthHandler serves register, login and the current profile.
type AuthHandler struct {
	authService AuthService
}

func NewAuthHandler(authService AuthService) *AuthHandler {
	return &AuthHandler{authService: authService}
}

// RegisterRequest is the request body for POST /auth/register.
type RegisterRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

// LoginRequest is the request body for POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthResponse is returned after a successful register or login.
type AuthResponse struct {
	Token     string          `json:"token"`
	ExpiresAt time.Time       `json:"expiresAt"`
	User      domainauth.User `json:"user"`
}

// Register handles POST /auth/register.
//
// Response codes:
//   - 201 Created: registration successful
//   - 400 Bad Request: invalid JSON or fields
//   - 409 Conflict: email already registered
//   - 500 Internal Server Error: unexpected failure
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := validateRegisterRequest(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.authService.Register(r.Context(), domainauth.RegisterInput{
		Email:       req.Email,
		Password:    req.Password,
		DisplayName: req.DisplayName,
	})
	switch {
	case err == nil:
	case errors.Is(err, domainauth.ErrEmailAlreadyExists):
		writeError(w, http.StatusConflict, "email already registered")
		return
	case errors.Is(err, domainauth.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	default:
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	writeJSON(w, http.StatusCreated, AuthResponse{Token: result.Token, ExpiresAt: result.ExpiresAt, User: result.User})
}

// Login handles POST /auth/login.
//
// Response codes:
//   - 200 OK: login successful
//   - 400 Bad Request: invalid JSON or missing fields
//   - 401 Unauthorized: invalid credentials, without revealing whether the email exists
//   - 500 Internal Server Error: unexpected failure
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := validateLoginRequest(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.authService.Login(r.Context(), domainauth.LoginInput{
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		if errors.Is(err, domainauth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	writeJSON(w, http.StatusOK, AuthResponse{Token: result.Token, ExpiresAt: result.ExpiresAt, User: result.User})
}

// Me handles GET /api/v1/me.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	user, err := h.authService.Me(r.Context(), userID)
	if err != nil {
		if errors.Is(err, domainauth.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load user")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func validateRegisterRequest(req RegisterRequest) error {
	if req.Email == "" {
		return errors.New("email is required")
	}
	if req.Password == "" {
		return errors.New("password is required")
	}
	return nil
}

func validateLoginRequest(req LoginRequest) error {
	if req.Email == "" {
		return errors.New("email is required")
	}
	if req.Password == "" {
		return errors.New("password is required")
	}
	return nil
}
