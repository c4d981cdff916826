package domain

import "strings"

// TypeMask is the visitor type bitfield carried in the fourth octet of an
// http:BL answer.
type TypeMask uint8

const (
	TypeSuspicious     TypeMask = 1 << iota // 1
	TypeHarvester                           // 2
	TypeCommentSpammer                      // 4
)

// Has reports whether any bit of other is set in m.
func (m TypeMask) Has(other TypeMask) bool {
	return m&other != 0
}

// String returns the set flags joined with "|", or "none" when m is zero.
// Bits above TypeCommentSpammer are reserved by the protocol and are not named.
func (m TypeMask) String() string {
	if m == 0 {
		return "none"
	}
	var names []string
	if m.Has(TypeSuspicious) {
		names = append(names, "suspicious")
	}
	if m.Has(TypeHarvester) {
		names = append(names, "harvester")
	}
	if m.Has(TypeCommentSpammer) {
		names = append(names, "comment_spammer")
	}
	if len(names) == 0 {
		return "reserved"
	}
	return strings.Join(names, "|")
}
