package api

import "errors"

// ErrMissingUserID is returned when no authenticated user is in the context.
var ErrMissingUserID = errors.New("missing user_id in context")
