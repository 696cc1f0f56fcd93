package speech

import (
	"context"
	"fmt"
)

// Unavailable is a Provider that could not be constructed at startup, for
// example because credentials are missing. Every OpenStream call fails with
// the startup error so connections still get a meaningful error event.
type Unavailable struct {
	Provider string
	Err      error
}

func (u Unavailable) Name() string { return u.Provider }

func (u Unavailable) OpenStream(context.Context, StreamConfig) (Stream, error) {
	if u.Err == nil {
		return nil, fmt.Errorf("%s speech provider is not configured", u.Provider)
	}
	return nil, u.Err
}
