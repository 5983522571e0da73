package psbt_signer

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tyler-smith/go-bip32"
)

var (
	// ErrInvalidKeyOrigin is returned when a cosigner string is not of the
	// form [fingerprint/path]xpub.
	ErrInvalidKeyOrigin = errors.New("invalid key origin")

	// ErrInvalidPath is returned for unparsable derivation paths.
	ErrInvalidPath = errors.New("invalid derivation path")
)

// Cosigner is one of the key holders of a multisig wallet, identified by
// its master fingerprint and, optionally, its account xpub.
type Cosigner struct {
	Fingerprint uint32
	Path        []uint32
	XPub        *bip32.Key
}

// ParseCosigner parses a key-origin expression such as
// "[d34db33f/48h/0h/0h/2h]xpub6E...". The xpub part may be omitted, in which
// case only the fingerprint is matched.
func ParseCosigner(s string) (*Cosigner, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") {
		return nil, fmt.Errorf("%w: missing '['", ErrInvalidKeyOrigin)
	}
	end := strings.Index(s, "]")
	if end < 0 {
		return nil, fmt.Errorf("%w: missing ']'", ErrInvalidKeyOrigin)
	}

	origin := strings.SplitN(s[1:end], "/", 2)
	fp, err := ParseFingerprint(origin[0])
	if err != nil {
		return nil, err
	}

	c := &Cosigner{Fingerprint: fp}
	if len(origin) == 2 {
		c.Path, err = ParsePath(origin[1])
		if err != nil {
			return nil, err
		}
	}

	if xpub := s[end+1:]; xpub != "" {
		c.XPub, err = bip32.B58Deserialize(xpub)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKeyOrigin, err)
		}
		if c.XPub.IsPrivate {
			c.XPub = c.XPub.PublicKey()
		}
	}
	return c, nil
}

// String renders the cosigner back in key-origin form.
func (c *Cosigner) String() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(FormatFingerprint(c.Fingerprint))
	if len(c.Path) > 0 {
		b.WriteString("/")
		b.WriteString(FormatPath(c.Path))
	}
	b.WriteString("]")
	if c.XPub != nil {
		b.WriteString(c.XPub.B58Serialize())
	}
	return b.String()
}

// DerivePubKey derives the compressed public key at the full path from the
// cosigner's account xpub. ok is false when the path is not below the
// cosigner's account path or needs hardened derivation.
func (c *Cosigner) DerivePubKey(path []uint32) ([]byte, bool) {
	if c.XPub == nil || len(path) < len(c.Path) {
		return nil, false
	}
	for i, idx := range c.Path {
		if path[i] != idx {
			return nil, false
		}
	}

	key := c.XPub
	for _, idx := range path[len(c.Path):] {
		if idx >= HardenedKeyStart {
			return nil, false
		}
		child, err := key.NewChildKey(idx)
		if err != nil {
			return nil, false
		}
		key = child
	}
	return key.Key, true
}

// ParseFingerprint decodes an 8 hex digit fingerprint into the little
// endian uint32 form PSBT derivation records use.
func ParseFingerprint(s string) (uint32, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 4 {
		return 0, fmt.Errorf("%w: bad fingerprint %q", ErrInvalidKeyOrigin, s)
	}
	return binary.LittleEndian.Uint32(b), nil
}

func FormatFingerprint(fp uint32) string {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], fp)
	return hex.EncodeToString(b[:])
}

// ParsePath parses "48h/0h/0h/2h/0/1" (an optional leading "m/" is
// allowed, as is ' for hardened).
func ParsePath(s string) ([]uint32, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "m"), "/")
	if s == "" {
		return nil, nil
	}

	elems := strings.Split(s, "/")
	path := make([]uint32, 0, len(elems))
	for _, e := range elems {
		hardened := strings.HasSuffix(e, "h") || strings.HasSuffix(e, "'")
		if hardened {
			e = e[:len(e)-1]
		}
		idx, err := strconv.ParseUint(e, 10, 32)
		if err != nil || uint32(idx) >= HardenedKeyStart {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, s)
		}
		if hardened {
			idx += uint64(HardenedKeyStart)
		}
		path = append(path, uint32(idx))
	}
	return path, nil
}

func FormatPath(path []uint32) string {
	elems := make([]string, 0, len(path))
	for _, idx := range path {
		if idx >= HardenedKeyStart {
			elems = append(elems, strconv.FormatUint(uint64(idx-HardenedKeyStart), 10)+"h")
			continue
		}
		elems = append(elems, strconv.FormatUint(uint64(idx), 10))
	}
	return strings.Join(elems, "/")
}
