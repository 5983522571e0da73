package ur

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// part is the CBOR body of one multi-part frame.
type part struct {
	_          struct{} `cbor:",toarray"`
	SeqNum     uint32
	SeqLen     int
	MessageLen int
	Checksum   uint32
	Data       []byte
}

func encodePart(p *part) ([]byte, error) {
	return cbor.Marshal(p)
}

func decodePart(b []byte) (*part, error) {
	var p part
	if err := cbor.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// WrapPSBT encodes a binary PSBT as the CBOR byte string a crypto-psbt UR
// carries.
func WrapPSBT(psbt []byte) ([]byte, error) {
	return cbor.Marshal(psbt)
}

// UnwrapPSBT extracts the binary PSBT from a crypto-psbt UR message.
func UnwrapPSBT(message []byte) ([]byte, error) {
	var psbt []byte
	if err := cbor.Unmarshal(message, &psbt); err != nil {
		return nil, fmt.Errorf("crypto-psbt payload: %w", err)
	}
	return psbt, nil
}
