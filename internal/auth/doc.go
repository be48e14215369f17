// Package auth issues and validates pairing tokens for periscope-gateway.
//
// # Pairing Model
//
// Pairing is single-tenant: the gateway serves one user on one machine.
// A token proves its holder obtained the pairing URL from this host (by
// scanning the QR code or reading /pair/url); it does not identify a user.
// Every token carries the same fixed subject:
//
//	auth.PairingSubject // "periscope-remote-user"
//
// No other subject is ever valid.
//
// # Tokens
//
// Tokens are compact HS256 JWTs with claims sub, iat, exp. Lifetime is the
// configured TTL (default 30m). There is no revocation list; expiry is the
// only invalidation.
//
//	svc := auth.NewTokenService(secret, ttl)
//	token, err := svc.Issue()
//	subject, err := svc.Validate(token)
//
// # Validation Failures
//
//   - ErrTokenExpired: past exp.
//   - ErrSubjectMismatch: correctly signed but sub is not PairingSubject.
//   - ErrTokenMalformed: everything structural. Bad encoding, wrong
//     secret, missing claims, or a non-HMAC signing algorithm (algorithm
//     confusion is rejected before signature checking).
//
// All three are sentinel errors matched with errors.Is; callers treat any
// of them as a refused connection.
//
// # Ephemeral Secrets
//
// When no signing secret is configured, the gateway calls GenerateSecret
// for a random one at startup. Pairing still works, but tokens become
// invalid when the process restarts.
package auth
