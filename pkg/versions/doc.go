// Package versions implements the X-Pkg version model and the multi-range
// version selection language used by dependency, incompatibility, and
// host-application compatibility declarations.
//
// Versions are M[.m[.p]][<a|b|r><n>] with components in [0,999]. Ordering
// maps every version to a fixed-point number so pre-releases sort below
// their release and a < b < r. Selections are comma-separated unions of
// inclusive ranges, normalized by sorting and merging overlap:
//
//	sel, _ := versions.ParseSelection("1,1.5-2,1.7")
//	sel.String() // "1-2"
//	sel.Contains(versions.MustParse("1.4.2")) // true
package versions
