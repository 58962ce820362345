package authorization

import (
	"context"
	"errors"
)

type Service interface {
	// Authorize returns nil when the actor may perform action on object,
	// ErrForbidden otherwise.
	Authorize(ctx context.Context, actor string, object string, action string) error
}

var (
	ErrForbidden     = errors.New("forbidden")
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
)
