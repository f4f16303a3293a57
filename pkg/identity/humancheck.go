package identity

import "context"

// HumanChecker scores a human-check token submitted with signup and login.
// A failing score surfaces to the client as HTTP 418.
type HumanChecker interface {
	Verify(ctx context.Context, token, clientIP string) (bool, error)
}

// AllowAllChecker accepts every token. Used in development and tests.
type AllowAllChecker struct{}

// Verify always reports success.
func (AllowAllChecker) Verify(context.Context, string, string) (bool, error) {
	return true, nil
}
