package identity

import (
	"context"
	"fmt"
)

// Logger is the minimal logging surface this module needs
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Identity holds the attributes of an authenticated identity
type Identity interface {
	ID() string
	Username() string
	Email() string
	Role() string
	Groups() []string
}

// CSRFVerifier is an opaque pass/fail check supplied by the host and
// merged into every validation unit's result.
type CSRFVerifier interface {
	Verify(ctx context.Context, token string) error
}

// CSRFVerifierFunc adapts a function to the CSRFVerifier interface.
type CSRFVerifierFunc func(ctx context.Context, token string) error

// Verify implements CSRFVerifier.
func (f CSRFVerifierFunc) Verify(ctx context.Context, token string) error {
	if f == nil {
		return nil
	}
	return f(ctx, token)
}

type defLogger struct{}

func (d defLogger) Error(format string, args ...any) {
	fmt.Printf("[ERR] IDENTITY "+newline(format), args...)
}

func (d defLogger) Warn(format string, args ...any) {
	fmt.Printf("[WRN] IDENTITY "+newline(format), args...)
}

func (d defLogger) Info(format string, args ...any) {
	fmt.Printf("[INF] IDENTITY "+newline(format), args...)
}

func (d defLogger) Debug(format string, args ...any) {
	fmt.Printf("[DBG] IDENTITY "+newline(format), args...)
}

func newline(s string) string {
	if len(s) > 0 && s[len(s)-1] != '\n' {
		s += "\n"
	}
	return s
}
