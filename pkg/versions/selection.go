package versions

import (
	"fmt"
	"sort"
	"strings"
)

// Range is an inclusive span of versions.
type Range struct {
	Min, Max Version
}

// Contains reports whether v lies inside the range.
func (r Range) Contains(v Version) bool {
	return !v.Before(r.Min) && !v.After(r.Max)
}

// Selection is a normalized finite union of non-overlapping ranges sorted by
// lower bound. It is the value of every dependency, incompatibility, and
// host-application compatibility declaration.
type Selection struct {
	ranges []Range
}

// ParseSelection parses a comma-separated multi-range selection string and
// normalizes it. Whitespace around sections is ignored.
//
//	*           the universal range
//	1.2         [1.2.0a1, 1.2.999]
//	1.2.3b4     [1.2.3b4, 1.2.3b4]
//	1.5-2       [1.5.0a1, 2.999.999]
//	-2          [MinVersion, 2.999.999]
//	1.5-        [1.5.0a1, MaxVersion]
func ParseSelection(s string) (*Selection, error) {
	sections := strings.Split(s, ",")
	ranges := make([]Range, 0, len(sections))

	for _, section := range sections {
		section = strings.TrimSpace(section)
		r, err := parseSection(section)
		if err != nil {
			return nil, fmt.Errorf("invalid selection section %q: %w", section, err)
		}
		ranges = append(ranges, r)
	}

	sel := &Selection{ranges: ranges}
	sel.normalize()
	return sel, nil
}

func parseSection(section string) (Range, error) {
	if section == "" {
		return Range{}, fmt.Errorf("empty section")
	}
	if section == "*" {
		return Range{Min: MinVersion, Max: MaxVersion}, nil
	}

	lower, upper, hyphen := strings.Cut(section, "-")
	if !hyphen {
		return parseSingle(section)
	}
	if lower == "" && upper == "" {
		return Range{}, fmt.Errorf("both bounds empty")
	}

	r := Range{Min: MinVersion, Max: MaxVersion}
	if lower != "" {
		min, err := expandLower(lower)
		if err != nil {
			return Range{}, err
		}
		r.Min = min
	}
	if upper != "" {
		max, err := expandUpper(upper)
		if err != nil {
			return Range{}, err
		}
		r.Max = max
	}
	if r.Min.After(r.Max) {
		return Range{}, fmt.Errorf("lower bound above upper bound")
	}
	return r, nil
}

// parseSingle handles a section without a hyphen. Pre-release tokens denote
// a point range; release tokens expand so the range covers the whole stated
// prefix, starting at its earliest pre-release.
func parseSingle(token string) (Range, error) {
	p, err := parseParts(token)
	if err != nil {
		return Range{}, err
	}
	if p.version.IsPreRelease() {
		return Range{Min: p.version, Max: p.version}, nil
	}

	min := p.version
	min.PreType = PreReleaseAlpha
	min.PreNum = 1

	max := p.version
	if !p.hasMinor {
		max.Minor = 999
	}
	if !p.hasPatch {
		max.Patch = 999
	}
	return Range{Min: min, Max: max}, nil
}

// expandLower expands a lower bound: release forms start at the earliest
// pre-release of the stated prefix.
func expandLower(token string) (Version, error) {
	p, err := parseParts(token)
	if err != nil {
		return Version{}, err
	}
	v := p.version
	if !v.IsPreRelease() {
		v.PreType = PreReleaseAlpha
		v.PreNum = 1
	}
	return v, nil
}

// expandUpper expands an upper bound: missing components fill with 999
// unless the token is already a pre-release.
func expandUpper(token string) (Version, error) {
	p, err := parseParts(token)
	if err != nil {
		return Version{}, err
	}
	v := p.version
	if v.IsPreRelease() {
		return v, nil
	}
	if !p.hasMinor {
		v.Minor = 999
	}
	if !p.hasPatch {
		v.Patch = 999
	}
	return v, nil
}

// normalize sorts ranges by (min, max) and merges overlapping neighbors.
func (s *Selection) normalize() {
	if len(s.ranges) < 2 {
		return
	}
	sort.Slice(s.ranges, func(i, j int) bool {
		if c := s.ranges[i].Min.Compare(s.ranges[j].Min); c != 0 {
			return c < 0
		}
		return s.ranges[i].Max.Before(s.ranges[j].Max)
	})

	merged := s.ranges[:1]
	for _, r := range s.ranges[1:] {
		last := &merged[len(merged)-1]
		if !last.Max.Before(r.Min) {
			if r.Max.After(last.Max) {
				last.Max = r.Max
			}
			continue
		}
		merged = append(merged, r)
	}
	s.ranges = merged
}

// Contains reports whether any range contains v.
func (s *Selection) Contains(v Version) bool {
	for _, r := range s.ranges {
		if r.Contains(v) {
			return true
		}
	}
	return false
}

// Ranges returns the normalized ranges.
func (s *Selection) Ranges() []Range {
	out := make([]Range, len(s.ranges))
	copy(out, s.ranges)
	return out
}

// String renders the minimal selection string that re-parses to the same
// normalized selection.
func (s *Selection) String() string {
	sections := make([]string, len(s.ranges))
	for i, r := range s.ranges {
		sections[i] = renderRange(r)
	}
	return strings.Join(sections, ",")
}

func renderRange(r Range) string {
	if r.Min.Equal(r.Max) {
		return r.Min.MinString()
	}
	minIsFloor := r.Min.Equal(MinVersion)
	maxIsCeil := r.Max.Equal(MaxVersion)
	switch {
	case minIsFloor && maxIsCeil:
		return "*"
	case minIsFloor:
		return "-" + renderUpper(r.Max)
	case maxIsCeil:
		return renderLower(r.Min) + "-"
	}

	lower, upper := renderLower(r.Min), renderUpper(r.Max)
	if lower == upper {
		// The single-token abbreviation covers exactly this range.
		return lower
	}
	return lower + "-" + upper
}

// renderLower prints a lower bound. An attached a1 is the artifact of
// expansion and is dropped.
func renderLower(v Version) string {
	if v.PreType == PreReleaseAlpha && v.PreNum == 1 {
		v.PreType = PreReleaseNone
		v.PreNum = 0
		return v.MinString()
	}
	return v.MinString()
}

// renderUpper prints an upper bound. Trailing 999 components collapse back
// into the abbreviation that produced them; anything else prints in full so
// re-expansion cannot widen the bound.
func renderUpper(v Version) string {
	if v.IsPreRelease() {
		return v.MinString()
	}
	switch {
	case v.Minor == 999 && v.Patch == 999:
		return fmt.Sprintf("%d", v.Major)
	case v.Patch == 999:
		return fmt.Sprintf("%d.%d", v.Major, v.Minor)
	default:
		return v.String()
	}
}
