// Package identity implements a pluggable user account lifecycle core:
// registration, activation, authentication, password recovery, profile
// edits, and administrative account management over bun-backed storage.
//
// The login handle is configurable per deployment: accounts identify
// themselves by username, by email, or by either, and the validation
// schemas adjust to the selected strategy at startup.
//
// The package deliberately stops at the service boundary. Routing, form
// rendering, session cookies, and email delivery belong to the host;
// they plug in through the CSRFVerifier, Notifier, and ActivitySink
// interfaces. The bundled Auther and TokenService turn a verified login
// into a signed HS256 session token for hosts that want one.
//
// Typical wiring:
//
//	repo := identity.NewRepositoryManager(db)
//	svc, err := identity.NewLifecycleService(repo, identity.Config{
//		Handle:             identity.HandleEmail,
//		ActivationRequired: true,
//	}, identity.WithNotifier(mailer))
package identity
