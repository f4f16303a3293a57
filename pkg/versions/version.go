package versions

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// PreReleaseType distinguishes alpha, beta, and release-candidate builds.
type PreReleaseType byte

const (
	PreReleaseNone  PreReleaseType = 0
	PreReleaseAlpha PreReleaseType = 'a'
	PreReleaseBeta  PreReleaseType = 'b'
	PreReleaseRC    PreReleaseType = 'r'
)

// Version is a package or host-application version. Major, minor, and patch
// are bounded to [0,999]; pre-release numbers to [1,999]. The zero value is
// not a valid version.
type Version struct {
	Major, Minor, Patch int
	PreType             PreReleaseType
	PreNum              int
}

// MaxVersionStringLength bounds the accepted string form.
const MaxVersionStringLength = 15

var (
	// MinVersion is the smallest valid version, 0.0.1a1.
	MinVersion = Version{Major: 0, Minor: 0, Patch: 1, PreType: PreReleaseAlpha, PreNum: 1}
	// MaxVersion is the largest valid version, 999.999.999.
	MaxVersion = Version{Major: 999, Minor: 999, Patch: 999}
)

// versionPattern matches M[.m[.p]][<a|b|r><n>] with 1-3 digit components.
var versionPattern = regexp.MustCompile(`^(\d{1,3})(?:\.(\d{1,3})(?:\.(\d{1,3}))?)?(?:([abr])(\d{1,3}))?$`)

// parts is a parse result that remembers which components were written out,
// which drives abbreviation expansion in selections.
type parts struct {
	version  Version
	hasMinor bool
	hasPatch bool
}

func parseParts(s string) (parts, error) {
	if len(s) == 0 || len(s) > MaxVersionStringLength {
		return parts{}, fmt.Errorf("version string must be 1-%d characters", MaxVersionStringLength)
	}
	if s != strings.ToLower(s) {
		return parts{}, fmt.Errorf("version string must be lower-case")
	}

	m := versionPattern.FindStringSubmatch(s)
	if m == nil {
		return parts{}, fmt.Errorf("invalid version string %q", s)
	}

	var p parts
	p.version.Major, _ = strconv.Atoi(m[1])
	if m[2] != "" {
		p.hasMinor = true
		p.version.Minor, _ = strconv.Atoi(m[2])
	}
	if m[3] != "" {
		p.hasPatch = true
		p.version.Patch, _ = strconv.Atoi(m[3])
	}
	if m[4] != "" {
		p.version.PreType = PreReleaseType(m[4][0])
		p.version.PreNum, _ = strconv.Atoi(m[5])
		if p.version.PreNum < 1 {
			return parts{}, fmt.Errorf("pre-release number must be at least 1")
		}
	}

	v := p.version
	if v.Major == 0 && v.Minor == 0 && v.Patch == 0 {
		return parts{}, fmt.Errorf("version must not be all zero")
	}
	return p, nil
}

// Parse parses a concrete version string. Missing minor and patch components
// default to zero.
func Parse(s string) (Version, error) {
	p, err := parseParts(s)
	if err != nil {
		return Version{}, err
	}
	return p.version, nil
}

// MustParse is Parse for literals in tests and defaults; it panics on error.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// IsPreRelease reports whether the version carries a pre-release tag.
func (v Version) IsPreRelease() bool {
	return v.PreType != PreReleaseNone
}

// value maps the version onto a single integer so that numeric order equals
// version order. The integer part is MMMmmmppp; pre-releases subtract a
// nine-digit fractional correction (scaled to units of 1e-9) that places
// them below the corresponding release and orders a < b < r.
func (v Version) value() int64 {
	intPart := int64(v.Major)*1_000_000 + int64(v.Minor)*1_000 + int64(v.Patch)
	var frac int64
	switch v.PreType {
	case PreReleaseAlpha:
		frac = 999_999_000 + int64(999-v.PreNum)
	case PreReleaseBeta:
		frac = 999_000_999 + int64(999-v.PreNum)*1_000
	case PreReleaseRC:
		frac = 999_999 + int64(999-v.PreNum)*1_000_000
	}
	return intPart*1_000_000_000 - frac
}

// Value exposes the ordering key for storage, so SQL can sort versions
// without re-parsing their strings.
func (v Version) Value() int64 { return v.value() }

// Compare returns -1, 0, or 1 as v is below, equal to, or above o.
func (v Version) Compare(o Version) int {
	a, b := v.value(), o.value()
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Equal reports whether two versions denote the same point in the order.
func (v Version) Equal(o Version) bool { return v.value() == o.value() }

// Before reports v < o.
func (v Version) Before(o Version) bool { return v.value() < o.value() }

// After reports v > o.
func (v Version) After(o Version) bool { return v.value() > o.value() }

// String renders the full three-component form, e.g. "1.2.0b4".
func (v Version) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.IsPreRelease() {
		s += fmt.Sprintf("%c%d", v.PreType, v.PreNum)
	}
	return s
}

// MinString renders the shortest string that parses back to v: trailing zero
// components are dropped, e.g. "1", "1.2", "1.2.3b4".
func (v Version) MinString() string {
	var s string
	switch {
	case v.Patch != 0:
		s = fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	case v.Minor != 0:
		s = fmt.Sprintf("%d.%d", v.Major, v.Minor)
	default:
		s = strconv.Itoa(v.Major)
	}
	if v.IsPreRelease() {
		s += fmt.Sprintf("%c%d", v.PreType, v.PreNum)
	}
	return s
}
