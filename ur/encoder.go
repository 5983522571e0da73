package ur

import (
	"errors"
	"fmt"
	"hash/crc32"
	"strings"
)

const (
	// TypeCryptoPSBT is the UR type of a CBOR wrapped PSBT.
	TypeCryptoPSBT = "crypto-psbt"

	// MinFragmentLen is the smallest fragment the encoder will split a
	// message into.
	MinFragmentLen = 10
)

// ErrEmptyMessage is returned when asked to encode nothing.
var ErrEmptyMessage = errors.New("empty message")

// Encoder splits a message into UR parts. The first SeqLen parts carry one
// fragment each; once they have all been emitted the encoder is complete
// and further parts are fountain parts mixing several fragments, so a
// receiver that missed a frame can still finish.
type Encoder struct {
	urType     string
	messageLen int
	checksum   uint32
	fragments  [][]byte
	chooser    *fragmentChooser

	single string
	seqNum uint32
}

// NewEncoder prepares message for transport in parts carrying at most
// maxFragmentLen message bytes each. firstSeqNum is the number of parts
// considered already sent.
func NewEncoder(urType string, message []byte, maxFragmentLen int,
	firstSeqNum uint32) (*Encoder, error) {

	if len(message) == 0 {
		return nil, ErrEmptyMessage
	}
	if maxFragmentLen < MinFragmentLen {
		return nil, fmt.Errorf("max fragment length %d below minimum %d",
			maxFragmentLen, MinFragmentLen)
	}

	fragmentLen := nominalFragmentLength(
		len(message), MinFragmentLen, maxFragmentLen,
	)
	fragments := partitionMessage(message, fragmentLen)
	if len(fragments) == 1 {
		return &Encoder{
			urType:    urType,
			fragments: fragments,
			single:    "ur:" + urType + "/" + encodeMinimal(message),
			seqNum:    firstSeqNum,
		}, nil
	}

	checksum := crc32.ChecksumIEEE(message)
	e := &Encoder{
		urType:     urType,
		messageLen: len(message),
		checksum:   checksum,
		fragments:  fragments,
		chooser:    newFragmentChooser(len(fragments), checksum),
		seqNum:     firstSeqNum,
	}

	// Every part shares the same header shape, so one successful
	// encoding means NextPart cannot fail.
	if _, err := e.part(1); err != nil {
		return nil, err
	}
	return e, nil
}

// SeqLen is the number of fragments, and so the number of parts that
// complete one pass.
func (e *Encoder) SeqLen() int {
	return len(e.fragments)
}

// IsComplete reports whether every fragment has been emitted at least once.
func (e *Encoder) IsComplete() bool {
	return int(e.seqNum) >= len(e.fragments)
}

// NextPart returns the next part string, in lower case.
func (e *Encoder) NextPart() string {
	e.seqNum++
	if e.single != "" {
		return e.single
	}

	p, err := e.part(e.seqNum)
	if err != nil {
		// Unreachable after the check in NewEncoder; repeat the
		// fragment this sequence number cycles to instead.
		log.Errorf("Unable to encode part %d: %v", e.seqNum, err)
		p, _ = e.part((e.seqNum-1)%uint32(len(e.fragments)) + 1)
	}
	return p
}

func (e *Encoder) part(seqNum uint32) (string, error) {
	indexes := e.chooser.choose(seqNum)
	body, err := encodePart(&part{
		SeqNum:     seqNum,
		SeqLen:     len(e.fragments),
		MessageLen: e.messageLen,
		Checksum:   e.checksum,
		Data:       mixFragments(e.fragments, indexes),
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("ur:%s/%d-%d/%s", e.urType, seqNum,
		len(e.fragments), encodeMinimal(body)), nil
}

// nominalFragmentLength picks the smallest fragment count whose even split
// of the message fits in maxFragmentLen.
func nominalFragmentLength(messageLen, minFragmentLen, maxFragmentLen int) int {
	maxFragmentCount := messageLen / minFragmentLen
	if maxFragmentCount < 1 {
		maxFragmentCount = 1
	}

	fragmentLen := messageLen
	for count := 1; count <= maxFragmentCount; count++ {
		fragmentLen = (messageLen + count - 1) / count
		if fragmentLen <= maxFragmentLen {
			break
		}
	}
	return fragmentLen
}

// partitionMessage splits message into fragmentLen chunks, zero padding the
// last one.
func partitionMessage(message []byte, fragmentLen int) [][]byte {
	count := (len(message) + fragmentLen - 1) / fragmentLen
	padded := make([]byte, count*fragmentLen)
	copy(padded, message)

	fragments := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		fragments = append(fragments, padded[i*fragmentLen:(i+1)*fragmentLen])
	}
	return fragments
}

// splitUR splits "ur:type/[seq-len/]body" into the type and the remaining
// path components.
func splitUR(s string) (string, []string, error) {
	s = strings.ToLower(s)
	if !strings.HasPrefix(s, "ur:") {
		return "", nil, errors.New("missing ur: scheme")
	}
	comps := strings.Split(s[len("ur:"):], "/")
	if len(comps) < 2 || len(comps) > 3 || comps[0] == "" {
		return "", nil, errors.New("bad ur path")
	}
	for _, c := range comps[0] {
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-') {
			return "", nil, fmt.Errorf("bad ur type %q", comps[0])
		}
	}
	return comps[0], comps[1:], nil
}
