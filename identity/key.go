/*
Package identity derives stable household identity keys from raw name and
postal-code input.

PURPOSE:
  Three uncoordinated writers feed this system (manual forms, structured
  daily submissions, external transaction syncs) and none of them share a
  primary key. The only way to recognize that two events describe the same
  real-world household is a deterministic key built from what every source
  has: a name and, usually, a zip code.

KEY FORMAT:
  LASTNAME_FIRSTNAME_ZIP, uppercased. When the zip is missing or not a
  valid 5-digit string, the literal sentinel NOZIP takes its place so that
  two same-named households with unknown zips are NOT silently merged —
  the resolver treats sentinel keys as low-confidence and falls back to
  scored matching instead of exact lookup.

GUARANTEE:
  Identical normalized inputs always produce the identical key. Distinct
  households collide only when last name, first name, and zip are all
  identical (accepted limitation).

SEE ALSO:
  - entity/resolver.go: consumes keys for tier-2 exact matching
*/
package identity

import (
	"strings"
)

// ZipSentinel substitutes for a missing or malformed postal code so the
// key never silently merges households across unknown zips.
const ZipSentinel = "NOZIP"

const zipLength = 5

// Key is a canonical household identity key (LAST_FIRST_ZIP).
type Key string

// HasZip reports whether the key carries a real postal code rather than
// the sentinel. Sentinel keys are only eligible for scored matching.
func (k Key) HasZip() bool {
	return !strings.HasSuffix(string(k), "_"+ZipSentinel)
}

// LastName returns the normalized last-name component of the key.
func (k Key) LastName() string {
	s := string(k)
	if i := strings.Index(s, "_"); i >= 0 {
		return s[:i]
	}
	return s
}

// =============================================================================
// KEY GENERATION
// =============================================================================

// NewKey builds the identity key from separate first/last name fields.
// Names are trimmed and uppercased; interior spaces collapse to single
// underscores so "Mary  Jo" and "Mary Jo" agree.
func NewKey(lastName, firstName, zip string) Key {
	last := normalizeNamePart(lastName)
	first := normalizeNamePart(firstName)
	return Key(last + "_" + first + "_" + normalizeZip(zip))
}

// NewKeyFromFullName builds the identity key from a single combined name
// field ("First Last", "First Van Der Berg"). The first whitespace token
// is the first name; everything after it is the last name. Hyphenated
// last names stay one token — splitting happens on whitespace only.
func NewKeyFromFullName(fullName, zip string) Key {
	first, last := SplitFullName(fullName)
	return NewKey(last, first, zip)
}

// SplitFullName splits a combined name into (first, last). A single-token
// name is treated as a last name with an empty first name, which matches
// how external feeds report business or partial records.
func SplitFullName(fullName string) (first, last string) {
	fields := strings.Fields(strings.TrimSpace(fullName))
	switch len(fields) {
	case 0:
		return "", ""
	case 1:
		return "", fields[0]
	default:
		return fields[0], strings.Join(fields[1:], " ")
	}
}

// Malformed reports whether the raw inputs were too weak to produce a
// trustworthy key: no usable last name, or no usable zip. Such events are
// still stored (sentinel key) but flagged for review rather than dropped.
func Malformed(lastName, zip string) bool {
	return normalizeNamePart(lastName) == "" || normalizeZip(zip) == ZipSentinel
}

// ValidZip reports whether zip is exactly five ASCII digits after
// trimming. ZIP+4 inputs are accepted by truncation in normalizeZip; a
// bare "90210-1234" is not considered malformed.
func ValidZip(zip string) bool {
	return normalizeZip(zip) != ZipSentinel
}

// =============================================================================
// NORMALIZATION
// =============================================================================

func normalizeNamePart(s string) string {
	fields := strings.Fields(strings.TrimSpace(s))
	return strings.ToUpper(strings.Join(fields, "_"))
}

func normalizeZip(zip string) string {
	z := strings.TrimSpace(zip)
	// Accept ZIP+4 ("90210-1234") by keeping the leading five digits.
	if i := strings.IndexByte(z, '-'); i == zipLength {
		z = z[:zipLength]
	}
	if len(z) != zipLength {
		return ZipSentinel
	}
	for i := 0; i < len(z); i++ {
		if z[i] < '0' || z[i] > '9' {
			return ZipSentinel
		}
	}
	return z
}
