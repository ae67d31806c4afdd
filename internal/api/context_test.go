package api

import (
	"context"
	"errors"
	"testing"

	"github.com/matiasleandrokruk/wanderplan/internal/api/ctxkeys"
)

func TestWithUserIDAndGetUserID_Success(t *testing.T) {
	t.Parallel()

	ctx := WithUserID(context.Background(), "user-123")
	got, err := GetUserID(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "user-123" {
		t.Fatalf("expected user-123, got %q", got)
	}
}

func TestGetUserID_Missing_ReturnsExpectedError(t *testing.T) {
	t.Parallel()

	_, err := GetUserID(context.Background())
	if !errors.Is(err, ErrMissingUserID) {
		t.Fatalf("expected ErrMissingUserID, got %v", err)
	}
}

func TestGetUserID_EmptyValue_ReturnsExpectedError(t *testing.T) {
	t.Parallel()

	ctx := context.WithValue(context.Background(), ctxkeys.UserID, "")
	_, err := GetUserID(ctx)
	if !errors.Is(err, ErrMissingUserID) {
		t.Fatalf("expected ErrMissingUserID, got %v", err)
	}
}
