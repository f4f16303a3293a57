package auth

import (
	"fmt"
	"strings"
)

// PermissionsNumber aggregates scopes as single-bit masks. Bit 33 is in use
// today, so the type must stay at least 64 bits wide end to end, including
// database round-trips.
type PermissionsNumber uint64

// Scope is a named single-bit permission.
type Scope PermissionsNumber

// The scope universe. Bit positions are wire format and must never be
// reordered.
const (
	ScopeIdentity Scope = 1 << iota
	ScopeDeveloperPortal
	ScopeForum
	ScopeStore
	ScopeRegistry

	ScopeRegistryCreatePackage
	ScopeRegistryUploadVersion
	ScopeRegistryUpdateDescription
	ScopeRegistryUpdateIncompatibilities
	ScopeRegistryUpdateXPSelection
	ScopeRegistryViewPackages
	ScopeRegistryViewResources
	ScopeRegistryReadAuthorData
	ScopeRegistryWriteAuthorData
	ScopeRegistryViewAnalytics
	ScopeRegistryRetryVersion

	ScopeEmailVerification
	ScopePasswordReset
	ScopeEmailChange
	ScopeEmailChangeRevoke
	ScopeNameChange

	ScopeClientCreate
	ScopeClientView
	ScopeClientModify
	ScopeClientRegenerateSecret
	ScopeClientDelete
	ScopeClientQuota

	ScopeTokenIssue
	ScopeTokenView
	ScopeTokenRegenerate
	ScopeTokenRevoke

	ScopeUserViewProfile
	ScopeUserModifyProfile
	ScopeResourceUpload
)

// scopeNames maps each scope to its case-sensitive identifier. The identity
// and registry services historically carried diverging lists; this is the
// union, with EmailChange and EmailChangeRevoke kept as distinct scopes.
var scopeNames = map[Scope]string{
	ScopeIdentity:        "Identity",
	ScopeDeveloperPortal: "DeveloperPortal",
	ScopeForum:           "Forum",
	ScopeStore:           "Store",
	ScopeRegistry:        "Registry",

	ScopeRegistryCreatePackage:           "RegistryCreatePackage",
	ScopeRegistryUploadVersion:           "RegistryUploadVersion",
	ScopeRegistryUpdateDescription:       "RegistryUpdateDescription",
	ScopeRegistryUpdateIncompatibilities: "RegistryUpdateIncompatibilities",
	ScopeRegistryUpdateXPSelection:       "RegistryUpdateXPSelection",
	ScopeRegistryViewPackages:            "RegistryViewPackages",
	ScopeRegistryViewResources:           "RegistryViewResources",
	ScopeRegistryReadAuthorData:          "RegistryReadAuthorData",
	ScopeRegistryWriteAuthorData:         "RegistryWriteAuthorData",
	ScopeRegistryViewAnalytics:           "RegistryViewAnalytics",
	ScopeRegistryRetryVersion:            "RegistryRetryVersion",

	ScopeEmailVerification: "EmailVerification",
	ScopePasswordReset:     "PasswordReset",
	ScopeEmailChange:       "EmailChange",
	ScopeEmailChangeRevoke: "EmailChangeRevoke",
	ScopeNameChange:        "NameChange",

	ScopeClientCreate:           "ClientCreate",
	ScopeClientView:             "ClientView",
	ScopeClientModify:           "ClientModify",
	ScopeClientRegenerateSecret: "ClientRegenerateSecret",
	ScopeClientDelete:           "ClientDelete",
	ScopeClientQuota:            "ClientQuota",

	ScopeTokenIssue:      "TokenIssue",
	ScopeTokenView:       "TokenView",
	ScopeTokenRegenerate: "TokenRegenerate",
	ScopeTokenRevoke:     "TokenRevoke",

	ScopeUserViewProfile:   "UserViewProfile",
	ScopeUserModifyProfile: "UserModifyProfile",
	ScopeResourceUpload:    "ResourceUpload",
}

// scopesByName is the reverse index, built once at init.
var scopesByName = func() map[string]Scope {
	m := make(map[string]Scope, len(scopeNames))
	for s, n := range scopeNames {
		m[n] = s
	}
	return m
}()

// String returns the scope's identifier, or empty for unknown bits.
func (s Scope) String() string {
	return scopeNames[s]
}

// EncodeScopes ORs the given scopes into a permissions number.
func EncodeScopes(scopes ...Scope) PermissionsNumber {
	var p PermissionsNumber
	for _, s := range scopes {
		p |= PermissionsNumber(s)
	}
	return p
}

// DecodeScopes returns the set of known scopes present in p, in bit order.
func DecodeScopes(p PermissionsNumber) []Scope {
	var scopes []Scope
	for bit := Scope(1); bit != 0; bit <<= 1 {
		if p&PermissionsNumber(bit) != 0 {
			if _, ok := scopeNames[bit]; ok {
				scopes = append(scopes, bit)
			}
		}
	}
	return scopes
}

// HasAnyScope reports whether p carries at least one of the given scopes.
func HasAnyScope(p PermissionsNumber, scopes ...Scope) bool {
	return p&EncodeScopes(scopes...) != 0
}

// HasAllScopes reports whether p carries every one of the given scopes.
func HasAllScopes(p PermissionsNumber, scopes ...Scope) bool {
	mask := EncodeScopes(scopes...)
	return p&mask == mask
}

// ParseScopeString parses a space-separated scope string. Unknown names and
// duplicates invalidate the entire string.
func ParseScopeString(s string) ([]Scope, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty scope string")
	}

	seen := make(map[Scope]bool, len(fields))
	scopes := make([]Scope, 0, len(fields))
	for _, name := range fields {
		scope, ok := scopesByName[name]
		if !ok {
			return nil, fmt.Errorf("unknown scope %q", name)
		}
		if seen[scope] {
			return nil, fmt.Errorf("duplicate scope %q", name)
		}
		seen[scope] = true
		scopes = append(scopes, scope)
	}
	return scopes, nil
}

// FormatScopeString renders scopes space-separated in the given order.
func FormatScopeString(scopes []Scope) string {
	names := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if n, ok := scopeNames[s]; ok {
			names = append(names, n)
		}
	}
	return strings.Join(names, " ")
}
