package animqr

import "psbt-signer/ur"

// TransportSession is the per-capture bookkeeping threaded through every
// receiver tick. It is discarded together with its decoder.
type TransportSession struct {
	// Kind is how the first frame was classified.
	Kind ur.FrameKind

	// FramesSeen counts frames fetched from the camera, including the
	// one that may have ended the session.
	FramesSeen int

	// ExpectedTotal is the part count announced by the first frame, or
	// zero while no frame has been classified.
	ExpectedTotal int

	// Percent never decreases and is 1 only once the decoder completed.
	Percent float64
}

// observe folds a decoder progress reading into the session and returns the
// value to report.
func (s *TransportSession) observe(p float64, complete bool) float64 {
	switch {
	case complete:
		p = 1
	case p >= 1:
		// Keep a decoder rounding artifact from claiming completion.
		p = s.Percent
	case p < 0:
		p = 0
	}

	if p > s.Percent {
		s.Percent = p
	}
	return s.Percent
}

// classify records the first frame's framing.
func (s *TransportSession) classify(frame string) ur.FrameKind {
	s.Kind = ur.Classify(frame)
	if s.Kind != ur.NotThisProtocol {
		if total, ok := ur.SequenceTotal(frame); ok {
			s.ExpectedTotal = total
		}
	}
	return s.Kind
}
