package identity

import (
	"context"
	"fmt"
)

// Notifier delivers activation codes and reset tokens out-of-band. The
// lifecycle service treats delivery as fire-and-forget; failures are
// logged, never surfaced to the caller.
type Notifier interface {
	ActivationCode(ctx context.Context, recipient, code string) error
	PasswordResetToken(ctx context.Context, recipient, token string) error
}

type noopNotifier struct{}

func (noopNotifier) ActivationCode(context.Context, string, string) error     { return nil }
func (noopNotifier) PasswordResetToken(context.Context, string, string) error { return nil }

// ConsoleNotifier prints notifications to stdout. Useful in development.
type ConsoleNotifier struct{}

func (ConsoleNotifier) ActivationCode(_ context.Context, recipient, code string) error {
	fmt.Println("====== SENDING EMAIL NOTIFICATION =======")
	fmt.Printf("to: %s\n", recipient)
	fmt.Printf("link: /activate/%s\n", code)
	return nil
}

func (ConsoleNotifier) PasswordResetToken(_ context.Context, recipient, token string) error {
	fmt.Println("====== SENDING EMAIL NOTIFICATION =======")
	fmt.Printf("to: %s\n", recipient)
	fmt.Printf("link: /password-reset/%s\n", token)
	return nil
}

func normalizeNotifier(n Notifier) Notifier {
	if n == nil {
		return noopNotifier{}
	}
	return n
}
