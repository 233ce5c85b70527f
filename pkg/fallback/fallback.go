// Package fallback provides the two-attempt primary/fallback execution
// contract
package fallback

import (
	"context"

	qerrors "github.com/rizome-dev/quill/pkg/errors"
	"github.com/rizome-dev/quill/pkg/logging"
	"github.com/rizome-dev/quill/pkg/types"
)

// Invoker is one attempt at producing a result
type Invoker func(ctx context.Context) (*types.Payload, error)

// Result carries the outcome plus degraded-mode provenance. Consumers
// can tell a first-choice result from a fallback one without parsing
// the payload.
type Result struct {
	Payload        *types.Payload
	UsedFallback   bool
	PrimaryFailure string
}

// Invoke runs primary, then fallback if primary fails. Exactly two
// attempts: a failed fallback is not retried, and both causes are
// preserved in the returned FallbackError. A nil fallback degrades to a
// plain primary call.
func Invoke(ctx context.Context, logger *logging.Logger, primary, fallback Invoker) (*Result, error) {
	if logger == nil {
		logger = logging.GetLogger()
	}

	payload, primaryErr := primary(ctx)
	if primaryErr == nil {
		return &Result{Payload: payload}, nil
	}

	if fallback == nil {
		return nil, primaryErr
	}

	logger.WithError(primaryErr).Warn("primary attempt failed, invoking fallback")

	payload, fallbackErr := fallback(ctx)
	if fallbackErr != nil {
		return nil, &qerrors.FallbackError{Primary: primaryErr, Fallback: fallbackErr}
	}

	return &Result{
		Payload:        payload,
		UsedFallback:   true,
		PrimaryFailure: primaryErr.Error(),
	}, nil
}
