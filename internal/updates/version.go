// ABOUTME: Four-part monotonic version numbers of the form YYYY.MM.DD.BUILD
// ABOUTME: Comparison is strict, component-wise, left to right; malformed strings are all-zero

package updates

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a parsed YYYY.MM.DD.BUILD version.
type Version [4]int

// ParseVersion parses s. Anything other than exactly four non-negative
// integers separated by dots yields the zero Version.
func ParseVersion(s string) Version {
	v, ok := parseVersion(s)
	if !ok {
		return Version{}
	}
	return v
}

// IsValidVersion reports whether s is a well-formed four-part version.
func IsValidVersion(s string) bool {
	_, ok := parseVersion(s)
	return ok
}

func parseVersion(s string) (Version, bool) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 4 {
		return Version{}, false
	}
	var v Version
	for i, p := range parts {
		if !allDigits(p) {
			return Version{}, false
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return Version{}, false
		}
		v[i] = n
	}
	return v, true
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Compare returns -1, 0, or 1 as v is less than, equal to, or greater than o.
func (v Version) Compare(o Version) int {
	for i := range v {
		switch {
		case v[i] < o[i]:
			return -1
		case v[i] > o[i]:
			return 1
		}
	}
	return 0
}

// String formats v as dotted components.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", v[0], v[1], v[2], v[3])
}

// CompareVersions compares two version strings.
func CompareVersions(a, b string) int {
	return ParseVersion(a).Compare(ParseVersion(b))
}

// IsNewer reports whether candidate is strictly greater than current.
func IsNewer(candidate, current string) bool {
	return CompareVersions(candidate, current) > 0
}
