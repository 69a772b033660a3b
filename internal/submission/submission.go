// Package submission extracts the unit and period a user is reporting on from
// free-form chat text such as "39/50 พค 68".
package submission

import (
	"regexp"
	"strings"
)

// keyPattern accepts a unit like 39/50 (one or more slash separated digit
// groups), whitespace, then a period made of a short word in any script and a
// 2-4 digit year. Anything after the year is ignored, but a year running on
// into a fifth digit is rejected rather than cut.
var keyPattern = regexp.MustCompile(`^(\d+(?:/\d+)+)\s+([\p{L}\p{M}.]{1,16}\s*\d{2,4})(?:\D|$)`)

// Key identifies what a submission is for.
type Key struct {
	UnitID string
	Period string
}

// Parse returns the key at the start of text. ok is false when text does not
// look like a submission; that is an expected outcome, not an error.
func Parse(text string) (key Key, ok bool) {
	m := keyPattern.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return Key{}, false
	}

	return Key{UnitID: m[1], Period: m[2]}, true
}

func (k Key) String() string {
	return k.UnitID + " " + k.Period
}

// Slug is the unit id made safe for file names.
func (k Key) Slug() string {
	return strings.ReplaceAll(k.UnitID, "/", "_")
}

// IsZero reports whether k carries no unit.
func (k Key) IsZero() bool {
	return k.UnitID == ""
}
