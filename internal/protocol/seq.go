package protocol

// SeqNewer reports whether a is newer than b under 16-bit serial number
// arithmetic: a is newer when it is ahead of b by less than half the space.
// Equal values are not newer, so duplicates compare as stale.
func SeqNewer(a, b uint16) bool {
	return a != b && a-b < 0x8000
}
