package animqr

import "sync/atomic"

// FrameSlot hands the most recent scanned frame from the capture goroutine
// to the poll loop. A newer frame overwrites an unread older one.
type FrameSlot struct {
	latest atomic.Pointer[string]
}

// Put replaces the slot content.
func (s *FrameSlot) Put(frame string) {
	s.latest.Store(&frame)
}

// Take empties the slot, returning what it held.
func (s *FrameSlot) Take() (string, bool) {
	p := s.latest.Swap(nil)
	if p == nil {
		return "", false
	}
	return *p, true
}
