// Package version compares package version strings.
package version

import (
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
)

// Ordering is the result of comparing two versions.
type Ordering int

const (
	Older Ordering = -1
	Equal Ordering = 0
	Newer Ordering = 1
)

func (o Ordering) String() string {
	switch o {
	case Older:
		return "older"
	case Equal:
		return "equal"
	case Newer:
		return "newer"
	default:
		return "unknown"
	}
}

// Compare reports whether a is Older, Equal or Newer than b. Semantic
// versions (with or without a leading "v") are ordered by semver rules;
// anything else is compared segment by segment, numerically where both
// segments are numbers.
func Compare(a, b string) Ordering {
	if a == b {
		return Equal
	}
	va, vb := canonical(a), canonical(b)
	if semver.IsValid(va) && semver.IsValid(vb) {
		return Ordering(semver.Compare(va, vb))
	}
	return compareSegments(a, b)
}

func canonical(v string) string {
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

func compareSegments(a, b string) Ordering {
	split := func(r rune) bool { return r == '.' || r == '-' || r == '_' || r == '+' }
	as, bs := strings.FieldsFunc(a, split), strings.FieldsFunc(b, split)

	for i := 0; i < len(as) || i < len(bs); i++ {
		if i >= len(as) {
			return Older
		}
		if i >= len(bs) {
			return Newer
		}
		if o := compareSegment(as[i], bs[i]); o != Equal {
			return o
		}
	}
	return Equal
}

func compareSegment(a, b string) Ordering {
	na, errA := strconv.ParseUint(a, 10, 64)
	nb, errB := strconv.ParseUint(b, 10, 64)
	switch {
	case errA == nil && errB == nil:
		switch {
		case na < nb:
			return Older
		case na > nb:
			return Newer
		}
		return Equal
	case errA == nil:
		// Numeric segments sort after textual ones, so 1.0.1 > 1.0.beta.
		return Newer
	case errB == nil:
		return Older
	}
	return Ordering(strings.Compare(a, b))
}
