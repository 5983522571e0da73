package ur

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"math/bits"
	"sort"
	"strconv"
	"strings"
)

// xoshiro256 is the xoshiro256** generator, seeded from the SHA-256 digest
// of a byte string. Sender and receiver must draw the same numbers for the
// same part, so every step follows the BC-UR reference exactly.
type xoshiro256 struct {
	s [4]uint64
}

func newXoshiro256(seed []byte) *xoshiro256 {
	digest := sha256.Sum256(seed)

	x := &xoshiro256{}
	for i := range x.s {
		x.s[i] = binary.BigEndian.Uint64(digest[i*8:])
	}
	return x
}

func (x *xoshiro256) next() uint64 {
	result := bits.RotateLeft64(x.s[1]*5, 7) * 9
	t := x.s[1] << 17

	x.s[2] ^= x.s[0]
	x.s[3] ^= x.s[1]
	x.s[1] ^= x.s[2]
	x.s[0] ^= x.s[3]
	x.s[2] ^= t
	x.s[3] = bits.RotateLeft64(x.s[3], 45)

	return result
}

// nextDouble returns a number in [0, 1).
func (x *xoshiro256) nextDouble() float64 {
	return float64(x.next()) / (1 << 64)
}

// nextInt returns a number in [low, high].
func (x *xoshiro256) nextInt(low, high int) int {
	return int(x.nextDouble()*float64(high-low+1)) + low
}

// randomSampler draws indexes with the given weights using Vose's alias
// method.
type randomSampler struct {
	probs   []float64
	aliases []int
}

func newRandomSampler(weights []float64) *randomSampler {
	n := len(weights)

	var sum float64
	for _, w := range weights {
		sum += w
	}
	p := make([]float64, n)
	for i, w := range weights {
		p[i] = w * float64(n) / sum
	}

	// Indexes are pushed in reverse order.
	var small, large []int
	for i := n - 1; i >= 0; i-- {
		if p[i] < 1 {
			small = append(small, i)
		} else {
			large = append(large, i)
		}
	}

	r := &randomSampler{
		probs:   make([]float64, n),
		aliases: make([]int, n),
	}
	for len(small) > 0 && len(large) > 0 {
		a := small[len(small)-1]
		small = small[:len(small)-1]
		g := large[len(large)-1]
		large = large[:len(large)-1]

		r.probs[a] = p[a]
		r.aliases[a] = g
		p[g] += p[a] - 1
		if p[g] < 1 {
			small = append(small, g)
		} else {
			large = append(large, g)
		}
	}
	for _, i := range large {
		r.probs[i] = 1
	}
	for _, i := range small {
		r.probs[i] = 1
	}

	return r
}

func (r *randomSampler) next(rng *xoshiro256) int {
	r1 := rng.nextDouble()
	r2 := rng.nextDouble()

	i := int(float64(len(r.probs)) * r1)
	if r2 < r.probs[i] {
		return i
	}
	return r.aliases[i]
}

// fragmentChooser maps a sequence number to the fragments mixed into that
// part. Parts 1..seqLen carry one fragment each; later parts XOR a random
// set of fragments whose size follows a 1/degree distribution.
type fragmentChooser struct {
	seqLen   int
	checksum uint32
	degrees  *randomSampler
}

func newFragmentChooser(seqLen int, checksum uint32) *fragmentChooser {
	return &fragmentChooser{seqLen: seqLen, checksum: checksum}
}

// choose returns the sorted fragment indexes of part seqNum.
func (c *fragmentChooser) choose(seqNum uint32) []int {
	if int(seqNum) <= c.seqLen {
		return []int{int(seqNum) - 1}
	}

	if c.degrees == nil {
		weights := make([]float64, c.seqLen)
		for i := range weights {
			weights[i] = 1 / float64(i+1)
		}
		c.degrees = newRandomSampler(weights)
	}

	var seed [8]byte
	binary.BigEndian.PutUint32(seed[:4], seqNum)
	binary.BigEndian.PutUint32(seed[4:], c.checksum)
	rng := newXoshiro256(seed[:])

	degree := c.degrees.next(rng) + 1

	// Only the head of the shuffle is used, and nothing is drawn after
	// it, so the shuffle stops once degree indexes are picked.
	remaining := make([]int, c.seqLen)
	for i := range remaining {
		remaining[i] = i
	}
	indexes := make([]int, 0, degree)
	for len(indexes) < degree {
		i := rng.nextInt(0, len(remaining)-1)
		indexes = append(indexes, remaining[i])
		remaining = append(remaining[:i], remaining[i+1:]...)
	}
	sort.Ints(indexes)

	return indexes
}

// mixFragments XORs the fragments at indexes.
func mixFragments(fragments [][]byte, indexes []int) []byte {
	mixed := make([]byte, len(fragments[indexes[0]]))
	for _, i := range indexes {
		subtle.XORBytes(mixed, mixed, fragments[i])
	}
	return mixed
}

// fountainPart is the XOR of the fragments at indexes.
type fountainPart struct {
	indexes []int
	data    []byte
}

func (p *fountainPart) isSimple() bool {
	return len(p.indexes) == 1
}

func (p *fountainPart) key() string {
	var b strings.Builder
	for i, idx := range p.indexes {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(idx))
	}
	return b.String()
}

// reduceBy removes other from p when other's fragments are a strict subset
// of p's. Otherwise p is returned unchanged.
func (p *fountainPart) reduceBy(other *fountainPart) *fountainPart {
	if len(other.indexes) >= len(p.indexes) ||
		!isSubset(other.indexes, p.indexes) {

		return p
	}

	indexes := make([]int, 0, len(p.indexes)-len(other.indexes))
	j := 0
	for _, idx := range p.indexes {
		if j < len(other.indexes) && other.indexes[j] == idx {
			j++
			continue
		}
		indexes = append(indexes, idx)
	}

	data := make([]byte, len(p.data))
	subtle.XORBytes(data, p.data, other.data)

	return &fountainPart{indexes: indexes, data: data}
}

// isSubset reports whether every element of a is in b. Both are sorted.
func isSubset(a, b []int) bool {
	j := 0
	for _, x := range a {
		for j < len(b) && b[j] < x {
			j++
		}
		if j == len(b) || b[j] != x {
			return false
		}
		j++
	}
	return true
}
