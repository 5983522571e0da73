package ur

import (
	"regexp"
	"strconv"
)

// FrameKind is the result of inspecting the first scanned frame of a
// capture.
type FrameKind int

const (
	// NotThisProtocol is any QR content that is not a crypto-psbt UR.
	NotThisProtocol FrameKind = iota

	// Single is a complete single-part UR.
	Single

	// MultiPart is one "seq-total" part of a multi-part UR.
	MultiPart
)

func (k FrameKind) String() string {
	switch k {
	case Single:
		return "single"
	case MultiPart:
		return "multipart"
	default:
		return "not-this-protocol"
	}
}

var (
	multiPartRe  = regexp.MustCompile(`(?i)^ur:crypto-psbt/(\d+)-(\d+)/`)
	singlePartRe = regexp.MustCompile(`(?i)^ur:crypto-psbt`)
)

// Classify tells crypto-psbt frames apart from foreign QR content.
func Classify(raw string) FrameKind {
	switch {
	case multiPartRe.MatchString(raw):
		return MultiPart
	case singlePartRe.MatchString(raw):
		return Single
	default:
		return NotThisProtocol
	}
}

// SequenceTotal returns the total part count announced by a multi-part
// frame. Single-part frames announce a total of 1.
func SequenceTotal(raw string) (int, bool) {
	if m := multiPartRe.FindStringSubmatch(raw); m != nil {
		total, err := strconv.Atoi(m[2])
		if err != nil {
			return 0, false
		}
		return total, true
	}
	if singlePartRe.MatchString(raw) {
		return 1, true
	}
	return 0, false
}
