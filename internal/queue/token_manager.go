// Package queue holds the execution tokens that cap how many remote workflow
// runs are in flight at once. A worker takes a token before calling the
// remote application and gives it back when the call returns.
package queue

import (
	"context"
	"errors"
)

type TokenManager interface {
	AcquireToken(ctx context.Context) error

	ReleaseToken(ctx context.Context) error

	// InitializeTokens resets the pool to exactly count tokens.
	InitializeTokens(ctx context.Context, count int) error
}

var ErrNoTokenAvailable = errors.New("no execution token available")
