// Package validation provides field-level validation for user input:
// emails, display names, package identifiers, and package names. Validators
// fail fast and return machine codes for the HTTP edge.
package validation

import (
	"regexp"
	"strings"

	"github.com/xpkg-net/registry/pkg/httputil"
)

const (
	// MinNameLength and MaxNameLength bound display names.
	MinNameLength = 3
	MaxNameLength = 32

	// MinPasswordLength is the minimum accepted password length.
	MinPasswordLength = 8
	// MaxPasswordLength caps input before bcrypt truncation becomes a factor.
	MaxPasswordLength = 64

	// MinPackageIDLength and MaxPackageIDLength bound partial package ids.
	MinPackageIDLength = 6
	MaxPackageIDLength = 32

	// MaxDescriptionLength bounds package descriptions.
	MaxDescriptionLength = 8192
)

var (
	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

	// namePattern allows letters, digits, spaces, and a few separators.
	namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9 _.-]*$`)

	// packageIDPattern matches a partial id: dot-separated lower-case
	// segments, each starting with a letter.
	packageIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*(\.[a-z][a-z0-9_-]*)*$`)

	// repoPattern matches the optional repository prefix before "/".
	repoPattern = regexp.MustCompile(`(?i)^[a-z]{3,8}$`)
)

// profaneWords is the deny list applied to display names. Matching is
// case-insensitive on substrings.
var profaneWords = []string{
	"admin", "moderator", "official", "support", "xpkg",
}

// ValidateEmail checks shape only; deliverability is proven by the
// verification mail.
func ValidateEmail(email string) error {
	if len(email) < 5 || len(email) > 254 || !emailPattern.MatchString(email) {
		return httputil.NewCodedError(400, httputil.CodeBadEmail, "invalid email address")
	}
	return nil
}

// ValidateName checks a display name's length, alphabet, and deny list.
func ValidateName(name string) error {
	if len(name) < MinNameLength || len(name) > MaxNameLength {
		return httputil.NewCodedError(400, httputil.CodeBadLen, "name length out of range")
	}
	if !namePattern.MatchString(name) || strings.HasSuffix(name, " ") {
		return httputil.NewCodedError(400, httputil.CodeInvalidName, "name contains invalid characters")
	}
	if IsProfane(name) {
		return httputil.NewCodedError(400, httputil.CodeProfaneName, "name matches deny list")
	}
	return nil
}

// ValidatePassword checks password length bounds.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength || len(password) > MaxPasswordLength {
		return httputil.NewCodedError(400, httputil.CodeBadLen, "password length out of range")
	}
	return nil
}

// IsProfane reports whether the name hits the deny list.
func IsProfane(name string) bool {
	lower := strings.ToLower(name)
	for _, w := range profaneWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// ValidatePackageID validates a package id, with or without a repository
// prefix, and returns the normalized partial id (lower-cased, prefix
// stripped). Only the "xpkg" repository is served here.
func ValidatePackageID(id string) (string, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	if repo, partial, ok := strings.Cut(id, "/"); ok {
		if !repoPattern.MatchString(repo) || repo != "xpkg" {
			return "", httputil.NewCodedError(400, httputil.CodeInvalidIDOrRepo, "unknown repository prefix")
		}
		id = partial
	}
	if len(id) < MinPackageIDLength || len(id) > MaxPackageIDLength {
		return "", httputil.NewCodedError(400, httputil.CodeInvalidIDOrRepo, "package id length out of range")
	}
	if !packageIDPattern.MatchString(id) {
		return "", httputil.NewCodedError(400, httputil.CodeInvalidIDOrRepo, "package id is malformed")
	}
	return id, nil
}

// NormalizeFullID lower-cases an id and attaches the xpkg/ prefix when the
// repository is omitted. Dependency and incompatibility lists store full ids.
func NormalizeFullID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if !strings.Contains(id, "/") {
		return "xpkg/" + id
	}
	return id
}

// ValidatePackageName checks a human-readable package name.
func ValidatePackageName(name string) error {
	if len(name) < MinNameLength || len(name) > 128 {
		return httputil.NewCodedError(400, httputil.CodeBadLen, "package name length out of range")
	}
	if strings.TrimSpace(name) != name || name == "" {
		return httputil.NewCodedError(400, httputil.CodeInvalidName, "package name has surrounding whitespace")
	}
	return nil
}

// ValidateDescription checks a package description.
func ValidateDescription(desc string) error {
	if len(desc) > MaxDescriptionLength {
		return httputil.NewCodedError(400, httputil.CodeBadLen, "description too long")
	}
	return nil
}
