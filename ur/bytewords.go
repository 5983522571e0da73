package ur

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"strings"
)

// ErrBytewords is returned for bodies that are not valid minimal
// bytewords or whose checksum does not match.
var ErrBytewords = errors.New("invalid bytewords")

var bytewords = [256]string{
	"able", "acid", "also", "apex", "aqua", "arch", "atom", "aunt",
	"away", "axis", "back", "bald", "barn", "belt", "beta", "bias",
	"blue", "body", "brag", "brew", "bulb", "buzz", "calm", "cash",
	"cats", "chef", "city", "claw", "code", "cola", "cook", "cost",
	"crux", "curl", "cusp", "cyan", "dark", "data", "days", "deli",
	"dice", "diet", "door", "down", "draw", "drop", "drum", "dull",
	"duty", "each", "easy", "echo", "edge", "epic", "even", "exam",
	"exit", "eyes", "fact", "fair", "fern", "figs", "film", "fish",
	"fizz", "flap", "flew", "flux", "foxy", "free", "frog", "fuel",
	"fund", "gala", "game", "gear", "gems", "gift", "girl", "glow",
	"good", "gray", "grim", "guru", "gush", "gyro", "half", "hang",
	"hard", "hawk", "heat", "help", "high", "hill", "holy", "hope",
	"horn", "huts", "iced", "idea", "idle", "inch", "inky", "into",
	"iris", "iron", "item", "jade", "jazz", "join", "jolt", "jowl",
	"judo", "jugs", "jump", "junk", "jury", "keep", "keno", "kept",
	"keys", "kick", "kiln", "king", "kite", "kiwi", "knob", "lamb",
	"lava", "lazy", "leaf", "legs", "liar", "limp", "lion", "list",
	"logo", "loud", "love", "luau", "luck", "lung", "main", "many",
	"math", "maze", "memo", "menu", "meow", "mild", "mint", "miss",
	"monk", "nail", "navy", "need", "news", "next", "noon", "note",
	"numb", "obey", "oboe", "omit", "onyx", "open", "oval", "owls",
	"paid", "part", "peck", "play", "plus", "poem", "pool", "pose",
	"puff", "puma", "purr", "quad", "quiz", "race", "ramp", "real",
	"redo", "rich", "road", "rock", "roof", "ruby", "ruin", "runs",
	"rust", "safe", "saga", "scar", "sets", "silk", "skew", "slot",
	"soap", "solo", "song", "stub", "surf", "swan", "taco", "task",
	"taxi", "tent", "tied", "time", "tiny", "toil", "tomb", "toys",
	"trip", "tuna", "twin", "ugly", "undo", "unit", "urge", "user",
	"vast", "very", "veto", "vial", "vibe", "view", "visa", "void",
	"vows", "wall", "wand", "warm", "wasp", "wave", "waxy", "webs",
	"what", "when", "whiz", "wolf", "work", "yank", "yawn", "yell",
	"yoga", "yurt", "zaps", "zero", "zest", "zinc", "zone", "zoom",
}

// minimalIndex maps the first and last letter of a byteword to its value.
var minimalIndex = func() map[string]byte {
	m := make(map[string]byte, len(bytewords))
	for i, w := range bytewords {
		m[w[:1]+w[3:]] = byte(i)
	}
	return m
}()

// encodeMinimal appends the CRC32 of data and renders every byte as the
// first and last letter of its byteword.
func encodeMinimal(data []byte) string {
	var crc [4]byte
	binary.BigEndian.PutUint32(crc[:], crc32.ChecksumIEEE(data))

	var b strings.Builder
	b.Grow((len(data) + 4) * 2)
	for _, v := range append(append([]byte{}, data...), crc[:]...) {
		w := bytewords[v]
		b.WriteByte(w[0])
		b.WriteByte(w[3])
	}
	return b.String()
}

// decodeMinimal reverses encodeMinimal, verifying the checksum.
func decodeMinimal(s string) ([]byte, error) {
	s = strings.ToLower(s)
	if len(s)%2 != 0 || len(s) < 10 {
		return nil, ErrBytewords
	}

	out := make([]byte, 0, len(s)/2)
	for i := 0; i < len(s); i += 2 {
		v, ok := minimalIndex[s[i:i+2]]
		if !ok {
			return nil, ErrBytewords
		}
		out = append(out, v)
	}

	body, crc := out[:len(out)-4], out[len(out)-4:]
	if crc32.ChecksumIEEE(body) != binary.BigEndian.Uint32(crc) {
		return nil, ErrBytewords
	}
	return body, nil
}
