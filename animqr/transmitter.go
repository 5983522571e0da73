package animqr

import (
	"errors"
	"strings"

	"psbt-signer/ur"
)

// ErrTransmitExhausted is returned when frames are requested past the end of
// the sequence.
var ErrTransmitExhausted = errors.New("all frames already transmitted")

// FrameEncoder splits a message into a fixed number of frames.
type FrameEncoder interface {
	SeqLen() int
	NextPart() string
	IsComplete() bool
}

var _ FrameEncoder = (*ur.Encoder)(nil)

// Transmitter emits the frames of one encoder exactly once, in order.
type Transmitter struct {
	enc      FrameEncoder
	total    int
	emitted  int
	progress func(percent int)
}

// NewTransmitter wraps enc. progress, if non-nil, is called after every
// emitted frame with an integer percentage.
func NewTransmitter(enc FrameEncoder, progress func(percent int)) *Transmitter {
	return &Transmitter{
		enc:      enc,
		total:    enc.SeqLen(),
		progress: progress,
	}
}

// Transmit prepares the crypto-psbt frames carrying message at the given
// density.
func Transmit(message []byte, density QRDensity,
	progress func(percent int)) (*Transmitter, error) {

	enc, err := ur.NewEncoder(
		ur.TypeCryptoPSBT, message, density.FrameCapacity(), 0,
	)
	if err != nil {
		return nil, err
	}

	log.Debugf("Transmitting %d bytes in %d frames (density %v)",
		len(message), enc.SeqLen(), density)

	return NewTransmitter(enc, progress), nil
}

// Total is the number of frames in the sequence.
func (t *Transmitter) Total() int {
	return t.total
}

func (t *Transmitter) Done() bool {
	return t.enc.IsComplete()
}

// Next returns the next upper-cased frame.
func (t *Transmitter) Next() (string, error) {
	if t.enc.IsComplete() {
		return "", ErrTransmitExhausted
	}

	frame := strings.ToUpper(t.enc.NextPart())
	t.emitted++

	if t.progress != nil && t.total > 0 {
		t.progress(t.emitted * 100 / t.total)
	}
	return frame, nil
}

// Drain returns all remaining frames.
func (t *Transmitter) Drain() ([]string, error) {
	frames := make([]string, 0, t.total-t.emitted)
	for !t.Done() {
		frame, err := t.Next()
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}
