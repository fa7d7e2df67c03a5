package domain

import "strings"

// Compare orders two versions of the same card. It returns a positive number
// when a should win over b, a negative number when b should win, and zero when
// both carry the same replication metadata.
//
// A tombstone beats a live record. Otherwise the higher revision wins, then the
// later UpdatedAt, then the lexically greater origin device.
func Compare(a, b Card) int {
	if ad, bd := a.IsDeleted(), b.IsDeleted(); ad != bd {
		if ad {
			return 1
		}
		return -1
	}
	switch {
	case a.Revision > b.Revision:
		return 1
	case a.Revision < b.Revision:
		return -1
	}
	if c := a.UpdatedAt.Compare(b.UpdatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.OriginDeviceID, b.OriginDeviceID)
}

// Wins reports whether candidate should replace current.
func Wins(candidate, current Card) bool {
	return Compare(candidate, current) > 0
}
