package psbt_signer

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrPolicyMismatch is matched by every *PolicyMismatchError.
	ErrPolicyMismatch = errors.New("multisig keys do not match cosigners")

	// ErrNotMultisig is returned when a witness script that governs a
	// witness-script-hash spend is not an m-of-n CHECKMULTISIG script.
	ErrNotMultisig = errors.New("witness script is not a multisig script")
)

// SpendPolicy summarizes how one input is spent. Threshold and
// CosignerCount are only set for multisig witness scripts.
type SpendPolicy struct {
	ScriptType    ScriptType
	Threshold     fn.Option[uint32]
	CosignerCount fn.Option[uint32]

	// PubKeys are the multisig keys in script order.
	PubKeys [][]byte
}

func (p *SpendPolicy) String() string {
	if p.Threshold.IsNone() {
		return p.ScriptType.String()
	}
	return fmt.Sprintf("%s %d-of-%d", p.ScriptType,
		p.Threshold.UnwrapOr(0), p.CosignerCount.UnwrapOr(0))
}

// PolicyMismatchError lists the multisig keys of an input that could not be
// tied to any known cosigner.
type PolicyMismatchError struct {
	Input   int
	PubKeys [][]byte
}

func (e *PolicyMismatchError) Error() string {
	keys := make([]string, 0, len(e.PubKeys))
	for _, k := range e.PubKeys {
		keys = append(keys, hex.EncodeToString(k))
	}
	return fmt.Sprintf("input %d: %v: %s", e.Input, ErrPolicyMismatch,
		strings.Join(keys, ","))
}

func (e *PolicyMismatchError) Is(target error) bool {
	return target == ErrPolicyMismatch
}

// PolicyResolver derives the SpendPolicy of PSBT inputs.
type PolicyResolver struct {
	netParams *chaincfg.Params
	cosigners []*Cosigner
}

func NewPolicyResolver(netParams *chaincfg.Params, cosigners []*Cosigner) *PolicyResolver {
	return &PolicyResolver{
		netParams: netParams,
		cosigners: cosigners,
	}
}

// Resolve classifies pkScript, disambiguating nested segwit through the
// witness and redeem scripts, and parses multisig witness scripts.
//
// When the policy parses but some multisig key is not from a known cosigner,
// the policy is returned together with a *PolicyMismatchError.
func (r *PolicyResolver) Resolve(pkScript, witnessScript, redeemScript []byte,
	derivations []*psbt.Bip32Derivation) (*SpendPolicy, error) {

	scriptType := classifyScript(pkScript)

	// p2sh can be legacy multisig, nested segwit multisig or nested
	// segwit singlesig.
	if scriptType == ScriptTypeP2SH {
		switch {
		case len(witnessScript) > 0:
			scriptType = ScriptTypeP2SHP2WSH
		case len(redeemScript) > 0 &&
			classifyScript(redeemScript) == ScriptTypeP2WPKH:
			scriptType = ScriptTypeP2SHP2WPKH
		}
	}

	policy := &SpendPolicy{
		ScriptType:    scriptType,
		Threshold:     fn.None[uint32](),
		CosignerCount: fn.None[uint32](),
	}
	if !scriptType.isWitnessScriptHash() || len(witnessScript) == 0 {
		return policy, nil
	}

	m, n, pubKeys, err := r.parseMultisig(witnessScript)
	if err != nil {
		return nil, err
	}
	policy.Threshold = fn.Some(m)
	policy.CosignerCount = fn.Some(n)
	policy.PubKeys = pubKeys

	if len(r.cosigners) == 0 {
		log.Debugf("No cosigners configured, skipping key check for %v",
			policy)
		return policy, nil
	}

	var unknown [][]byte
	for _, pub := range pubKeys {
		if !r.fromCosigner(pub, derivations) {
			unknown = append(unknown, pub)
		}
	}
	if len(unknown) > 0 {
		return policy, &PolicyMismatchError{PubKeys: unknown}
	}
	return policy, nil
}

func (r *PolicyResolver) parseMultisig(script []byte) (uint32, uint32, [][]byte, error) {
	class, addrs, reqSigs, err := txscript.ExtractPkScriptAddrs(
		script, r.netParams,
	)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("%w: %v", ErrNotMultisig, err)
	}
	if class != txscript.MultiSigTy {
		return 0, 0, nil, fmt.Errorf("%w: class %v", ErrNotMultisig, class)
	}

	// Undecodable keys are dropped by ExtractPkScriptAddrs, so compare
	// against the raw key count.
	numPubKeys, _, err := txscript.CalcMultiSigStats(script)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("%w: %v", ErrNotMultisig, err)
	}
	if numPubKeys != len(addrs) {
		return 0, 0, nil, fmt.Errorf("%w: %d of %d keys invalid",
			ErrNotMultisig, numPubKeys-len(addrs), numPubKeys)
	}

	pubKeys := make([][]byte, 0, len(addrs))
	for _, addr := range addrs {
		pubKeys = append(pubKeys, addr.ScriptAddress())
	}
	return uint32(reqSigs), uint32(len(addrs)), pubKeys, nil
}

// fromCosigner reports whether the PSBT derivation record of pub points at a
// configured cosigner, and when that cosigner has an xpub, whether the xpub
// really derives pub.
func (r *PolicyResolver) fromCosigner(pub []byte, derivations []*psbt.Bip32Derivation) bool {
	want, ok := normalizePubKey(pub)
	if !ok {
		return false
	}
	for _, d := range derivations {
		got, ok := normalizePubKey(d.PubKey)
		if !ok || !bytes.Equal(got, want) {
			continue
		}
		for _, c := range r.cosigners {
			if c.Fingerprint != d.MasterKeyFingerprint {
				continue
			}
			if c.XPub == nil {
				return true
			}
			derived, ok := c.DerivePubKey(d.Bip32Path)
			if ok && bytes.Equal(derived, want) {
				return true
			}
		}
	}
	return false
}

func normalizePubKey(pub []byte) ([]byte, bool) {
	key, err := secp256k1.ParsePubKey(pub)
	if err != nil {
		return nil, false
	}
	return key.SerializeCompressed(), true
}

func classifyScript(script []byte) ScriptType {
	switch txscript.GetScriptClass(script) {
	case txscript.PubKeyHashTy:
		return ScriptTypeP2PKH
	case txscript.ScriptHashTy:
		return ScriptTypeP2SH
	case txscript.WitnessV0ScriptHashTy:
		return ScriptTypeP2WSH
	case txscript.WitnessV0PubKeyHashTy:
		return ScriptTypeP2WPKH
	case txscript.WitnessV1TaprootTy:
		return ScriptTypeP2TR
	default:
		return ScriptTypeOther
	}
}

func (t ScriptType) isWitnessScriptHash() bool {
	return strings.Contains(t.String(), "p2wsh")
}
