// Package auth implements the X-Pkg token format, the permissions-number
// scope algebra, and the PKCE helpers shared by the identity and registry
// services.
//
// # Token format
//
// Tokens are opaque strings with fixed positional fields and no delimiter:
//
//	xpkg_ || tokenID[32] || secret[71] || expiryHex
//
// tokenID and secret are drawn from the 62-character alphanumeric alphabet;
// expiryHex is the lower-case hexadecimal UNIX expiry in seconds, at least
// eight digits. Only the bcrypt hash of the secret is ever stored.
//
// Parsing reads from the fixed offsets (5,37) and (37,108) and treats the
// remainder as the expiry:
//
//	parsed, err := auth.ParseToken(raw)
//	if err != nil { ... }
//	// parsed.TokenID, parsed.Secret, parsed.Expiry
//
// # Scopes
//
// Each scope is a single bit inside a wide permissions number. The algebra
// is plain bit arithmetic:
//
//	p := auth.EncodeScopes(auth.ScopeDeveloperPortal, auth.ScopeRegistryViewAnalytics)
//	auth.HasAnyScope(p, auth.ScopeDeveloperPortal) // true
//	auth.HasAllScopes(p, auth.ScopeIdentity)       // false
//
// Scope strings serialize space-separated; unknown or duplicated names
// invalidate the whole string.
package auth
