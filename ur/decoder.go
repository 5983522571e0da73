package ur

import (
	"errors"
	"hash/crc32"
	"strconv"
	"strings"
)

// ErrIncomplete is returned by Result before the message is assembled.
var ErrIncomplete = errors.New("ur message incomplete")

const (
	// MaxMessageLen bounds the message a multi-part header may announce.
	MaxMessageLen = 1 << 20

	// maxSeqLen bounds the fragment count a multi-part header may
	// announce.
	maxSeqLen = 1 << 16
)

// Decoder assembles a UR message from scanned parts.
//
// Simple parts (seq <= total) carry one fragment. Fountain parts past the
// total carry the XOR of several fragments; they are reduced against the
// fragments already known until a single unknown fragment is left, so the
// message completes even when some simple parts were never seen.
type Decoder struct {
	urType string

	seqLen      int
	messageLen  int
	checksum    uint32
	fragmentLen int
	chooser     *fragmentChooser

	// simple holds recovered fragments by index; mixed holds fountain
	// parts that still cover more than one unknown fragment.
	simple map[int][]byte
	mixed  map[string]*fountainPart
	queue  []*fountainPart

	result []byte
	failed bool
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// ReceivePart feeds one scanned string to the decoder. It returns false if
// the part is malformed, inconsistent with the parts accepted so far, or
// completes a message that fails its checksum. Parts received after
// completion are ignored.
func (d *Decoder) ReceivePart(s string) bool {
	if d.IsComplete() {
		return true
	}
	if d.failed {
		return false
	}

	urType, comps, err := splitUR(s)
	if err != nil {
		log.Debugf("Rejecting part: %v", err)
		return false
	}
	if d.urType != "" && d.urType != urType {
		log.Debugf("Rejecting part of type %s, expected %s", urType,
			d.urType)
		return false
	}

	if len(comps) == 1 {
		return d.receiveSingle(urType, comps[0])
	}
	return d.receiveMulti(urType, comps[0], comps[1])
}

func (d *Decoder) receiveSingle(urType, body string) bool {
	if d.simple != nil {
		log.Debugf("Rejecting single part during multi-part capture")
		return false
	}
	message, err := decodeMinimal(body)
	if err != nil {
		log.Debugf("Rejecting single part: %v", err)
		return false
	}

	d.urType = urType
	d.result = message
	return true
}

func (d *Decoder) receiveMulti(urType, seqStr, body string) bool {
	seqNum, seqLen, ok := parseSeq(seqStr)
	if !ok {
		log.Debugf("Rejecting part with sequence %q", seqStr)
		return false
	}

	raw, err := decodeMinimal(body)
	if err != nil {
		log.Debugf("Rejecting part %d-%d: %v", seqNum, seqLen, err)
		return false
	}
	p, err := decodePart(raw)
	if err != nil {
		log.Debugf("Rejecting part %d-%d: %v", seqNum, seqLen, err)
		return false
	}
	// The fragments must partition the message exactly: enough of them
	// to cover it, and none made of padding alone.
	if int(p.SeqNum) != seqNum || p.SeqLen != seqLen ||
		p.SeqLen > maxSeqLen || p.MessageLen <= 0 ||
		p.MessageLen > MaxMessageLen || len(p.Data) == 0 ||
		len(p.Data)*p.SeqLen < p.MessageLen ||
		len(p.Data)*(p.SeqLen-1) >= p.MessageLen {

		log.Debugf("Rejecting part %d-%d: inconsistent header",
			seqNum, seqLen)
		return false
	}

	if d.simple == nil {
		d.urType = urType
		d.seqLen = p.SeqLen
		d.messageLen = p.MessageLen
		d.checksum = p.Checksum
		d.fragmentLen = len(p.Data)
		d.chooser = newFragmentChooser(p.SeqLen, p.Checksum)
		d.simple = make(map[int][]byte, p.SeqLen)
		d.mixed = make(map[string]*fountainPart)
	} else if p.SeqLen != d.seqLen || p.MessageLen != d.messageLen ||
		p.Checksum != d.checksum || len(p.Data) != d.fragmentLen {

		log.Debugf("Rejecting part %d-%d: belongs to another message",
			seqNum, seqLen)
		return false
	}

	d.queue = append(d.queue, &fountainPart{
		indexes: d.chooser.choose(p.SeqNum),
		data:    p.Data,
	})
	d.processQueue()

	return !d.failed
}

func (d *Decoder) processQueue() {
	for len(d.queue) > 0 && !d.IsComplete() && !d.failed {
		fp := d.queue[0]
		d.queue = d.queue[1:]

		if fp.isSimple() {
			d.processSimple(fp)
		} else {
			d.processMixed(fp)
		}
	}
	d.queue = nil
}

func (d *Decoder) processSimple(fp *fountainPart) {
	idx := fp.indexes[0]
	if _, ok := d.simple[idx]; ok {
		return
	}
	d.simple[idx] = fp.data

	if len(d.simple) == d.seqLen {
		d.assemble()
		return
	}
	d.reduceMixedBy(fp)
}

func (d *Decoder) processMixed(fp *fountainPart) {
	if _, ok := d.mixed[fp.key()]; ok {
		return
	}

	reduced := fp
	for _, idx := range fp.indexes {
		if data, ok := d.simple[idx]; ok {
			reduced = reduced.reduceBy(&fountainPart{
				indexes: []int{idx},
				data:    data,
			})
		}
	}
	for _, m := range d.mixed {
		reduced = reduced.reduceBy(m)
	}

	if reduced.isSimple() {
		d.queue = append(d.queue, reduced)
		return
	}

	d.reduceMixedBy(reduced)
	d.mixed[reduced.key()] = reduced
}

// reduceMixedBy removes fp from every stored fountain part it is a strict
// subset of. Parts left with one fragment are queued as simple parts.
func (d *Decoder) reduceMixedBy(fp *fountainPart) {
	mixed := make(map[string]*fountainPart, len(d.mixed))
	for key, m := range d.mixed {
		reduced := m.reduceBy(fp)
		switch {
		case reduced == m:
			mixed[key] = m
		case reduced.isSimple():
			d.queue = append(d.queue, reduced)
		default:
			mixed[reduced.key()] = reduced
		}
	}
	d.mixed = mixed
}

func (d *Decoder) assemble() {
	message := make([]byte, 0, d.seqLen*d.fragmentLen)
	for i := 0; i < d.seqLen; i++ {
		message = append(message, d.simple[i]...)
	}
	message = message[:d.messageLen]

	if crc32.ChecksumIEEE(message) != d.checksum {
		log.Debugf("Assembled message fails checksum")
		d.failed = true
		return
	}

	d.result = message
	d.mixed = nil
}

// EstimatedPercentComplete is the fraction of fragments collected, in
// [0, 1]. It is 1 exactly when the message is assembled.
func (d *Decoder) EstimatedPercentComplete() float64 {
	if d.IsComplete() {
		return 1
	}
	if d.seqLen == 0 {
		return 0
	}
	known := len(d.simple)
	if known >= d.seqLen {
		known = d.seqLen - 1
	}
	return float64(known) / float64(d.seqLen)
}

func (d *Decoder) IsComplete() bool {
	return d.result != nil
}

// Result returns the assembled message.
func (d *Decoder) Result() ([]byte, error) {
	if !d.IsComplete() {
		return nil, ErrIncomplete
	}
	return d.result, nil
}

func parseSeq(s string) (int, int, bool) {
	num, total, found := strings.Cut(s, "-")
	if !found {
		return 0, 0, false
	}
	seqNum, err := strconv.Atoi(num)
	if err != nil || seqNum < 1 {
		return 0, 0, false
	}
	seqLen, err := strconv.Atoi(total)
	if err != nil || seqLen < 1 {
		return 0, 0, false
	}
	return seqNum, seqLen, true
}
