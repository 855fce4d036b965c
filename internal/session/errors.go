package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/alanyoungcy/yellowbet/internal/domain"
	"github.com/alanyoungcy/yellowbet/internal/platform/clearnode"
)

// FailedError is returned when the session enters the Failed state.
type FailedError struct {
	Kind    domain.ErrorKind
	State   domain.SessionState // state the failure happened in
	Message string
	Err     error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("session: failed in %s (%s): %s", e.State, e.Kind, e.Message)
}

func (e *FailedError) Unwrap() error { return e.Err }

// classify attaches a taxonomy sentinel to err. A server error response is
// reported as onServerError; an ended ctx is a timeout.
func classify(ctx context.Context, err error, onServerError error) error {
	var serr *clearnode.ServerError
	switch {
	case errors.Is(err, domain.ErrTimeout):
		return err
	case ctx.Err() != nil:
		return fmt.Errorf("%w: %w", domain.ErrTimeout, err)
	case errors.As(err, &serr):
		return fmt.Errorf("%w: %w", onServerError, err)
	default:
		return err
	}
}

func unexpected(want clearnode.Method, got clearnode.Response) error {
	return fmt.Errorf("session: expected %s reply, got %s: %w", want, got.ResponseMethod(), domain.ErrProtocol)
}
