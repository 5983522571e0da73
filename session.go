package psbt_signer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/psbt"
)

var (
	// ErrMalformedPsbt covers every base64 or structural decode failure.
	ErrMalformedPsbt = errors.New("not a valid psbt")

	// ErrNoDocument is returned when an operation runs before Parse.
	ErrNoDocument = errors.New("no psbt parsed")
)

// Signer signs every input of a packet that its key material can sign and
// reports how many signatures it added. Inputs it cannot sign are left
// untouched.
type Signer interface {
	SignPsbt(packet *psbt.Packet) (int, error)
}

// Session owns one PSBT for the duration of a signing round.
type Session interface {
	// Parse decodes base64 PSBT text.
	Parse(b64 string) error

	// ResolvePolicies returns the spend policy of every input, in input
	// order. A *PolicyMismatchError is returned alongside the policies
	// when some multisig key is unknown.
	ResolvePolicies() ([]*SpendPolicy, error)

	// AcceptPolicyMismatch lets Sign proceed after a mismatch has been
	// shown to the user.
	AcceptPolicyMismatch()

	// Sign hands the document to the signer.
	Sign(signer Signer) (int, error)

	// TrimToNewSignatures returns the document to send back.
	TrimToNewSignatures() (*psbt.Packet, error)

	// SerializeBase64 encodes packet without trailing whitespace.
	SerializeBase64(packet *psbt.Packet) (string, error)
}

// NewSession returns the Session variant for the given coordinator.
func NewSession(coordinator Coordinator, resolver *PolicyResolver) (Session, error) {
	base := &baseSession{resolver: resolver}
	switch coordinator {
	case BlueWallet:
		return &trimmedSession{base}, nil
	case Generic:
		return &fullSession{base}, nil
	default:
		return nil, fmt.Errorf("unknown coordinator %v", coordinator)
	}
}

type baseSession struct {
	resolver *PolicyResolver
	packet   *psbt.Packet

	resolved       bool
	mismatch       error
	acceptMismatch bool
}

func (s *baseSession) Parse(b64 string) (err error) {
	s.packet = nil
	s.resolved = false
	s.mismatch = nil

	// The document comes off a camera; a decoder panic must not take the
	// device down.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrMalformedPsbt, r)
		}
	}()

	p, err := psbt.NewFromRawBytes(
		strings.NewReader(strings.TrimSpace(b64)), true,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPsbt, err)
	}
	if len(p.Inputs) != len(p.UnsignedTx.TxIn) {
		return fmt.Errorf("%w: %d inputs for %d tx inputs",
			ErrMalformedPsbt, len(p.Inputs), len(p.UnsignedTx.TxIn))
	}

	log.Debugf("Parsed psbt for tx %v with %d inputs, %d outputs",
		p.UnsignedTx.TxHash(), len(p.Inputs), len(p.Outputs))

	s.packet = p
	return nil
}

func (s *baseSession) ResolvePolicies() ([]*SpendPolicy, error) {
	if s.packet == nil {
		return nil, ErrNoDocument
	}

	var mismatch *PolicyMismatchError
	policies := make([]*SpendPolicy, 0, len(s.packet.Inputs))
	for i := range s.packet.Inputs {
		in := &s.packet.Inputs[i]

		pkScript, err := inputPkScript(s.packet, i)
		if err != nil {
			return nil, err
		}

		policy, err := s.resolver.Resolve(
			pkScript, in.WitnessScript, in.RedeemScript,
			in.Bip32Derivation,
		)
		switch {
		case errors.As(err, &mismatch):
			mismatch.Input = i
			log.Warnf("Input %d: %v", i, mismatch)
			s.mismatch = mismatch

		case err != nil:
			return nil, fmt.Errorf("input %d: %w", i, err)
		}

		log.Debugf("Input %d policy: %v", i, policy)
		policies = append(policies, policy)
	}
	s.resolved = true

	return policies, s.mismatch
}

func (s *baseSession) AcceptPolicyMismatch() {
	s.acceptMismatch = true
}

func (s *baseSession) Sign(signer Signer) (int, error) {
	if s.packet == nil {
		return 0, ErrNoDocument
	}
	if !s.resolved {
		if _, err := s.ResolvePolicies(); err != nil &&
			!errors.Is(err, ErrPolicyMismatch) {

			return 0, err
		}
	}
	if s.mismatch != nil && !s.acceptMismatch {
		return 0, s.mismatch
	}

	n, err := signer.SignPsbt(s.packet)
	if err != nil {
		return 0, err
	}
	log.Infof("Added %d signature(s), %d partial signature(s) in total",
		n, CountPartialSigs(s.packet))

	return n, nil
}

func (s *baseSession) SerializeBase64(packet *psbt.Packet) (string, error) {
	b64, err := packet.B64Encode()
	if err != nil {
		return "", err
	}
	return strings.TrimRight(b64, "\r\n"), nil
}

// trimmedSession sends back a fresh document holding only the unsigned
// transaction and each input's partial signatures.
type trimmedSession struct {
	*baseSession
}

func (s *trimmedSession) TrimToNewSignatures() (*psbt.Packet, error) {
	if s.packet == nil {
		return nil, ErrNoDocument
	}

	trimmed, err := psbt.NewFromUnsignedTx(s.packet.UnsignedTx)
	if err != nil {
		return nil, err
	}
	for i, in := range s.packet.Inputs {
		sigs := make([]*psbt.PartialSig, len(in.PartialSigs))
		copy(sigs, in.PartialSigs)
		trimmed.Inputs[i].PartialSigs = sigs
	}

	before, after := CountPartialSigs(s.packet), CountPartialSigs(trimmed)
	if before != after {
		return nil, fmt.Errorf("trim changed signature count %d -> %d",
			before, after)
	}
	return trimmed, nil
}

// fullSession sends back the whole signed document.
type fullSession struct {
	*baseSession
}

func (s *fullSession) TrimToNewSignatures() (*psbt.Packet, error) {
	if s.packet == nil {
		return nil, ErrNoDocument
	}
	return s.packet, nil
}

// CountPartialSigs sums the partial signatures of all inputs.
func CountPartialSigs(packet *psbt.Packet) int {
	n := 0
	for _, in := range packet.Inputs {
		n += len(in.PartialSigs)
	}
	return n
}

// inputPkScript returns the script of the output spent by input i.
func inputPkScript(packet *psbt.Packet, i int) ([]byte, error) {
	in := &packet.Inputs[i]
	if in.WitnessUtxo != nil {
		return in.WitnessUtxo.PkScript, nil
	}
	if in.NonWitnessUtxo != nil {
		prevIdx := packet.UnsignedTx.TxIn[i].PreviousOutPoint.Index
		if int(prevIdx) >= len(in.NonWitnessUtxo.TxOut) {
			return nil, fmt.Errorf("%w: input %d spends missing "+
				"output %d", ErrMalformedPsbt, i, prevIdx)
		}
		return in.NonWitnessUtxo.TxOut[prevIdx].PkScript, nil
	}
	return nil, nil
}
