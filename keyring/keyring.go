package keyring

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"
)

var (
	// ErrInvalidMnemonic is returned for mnemonics that fail the BIP39
	// word list or checksum check.
	ErrInvalidMnemonic = errors.New("invalid mnemonic")

	errKeyMismatch    = errors.New("derived key does not match psbt key")
	errUnsupported    = errors.New("unsupported script")
	errMissingUtxo    = errors.New("missing utxo")
	errMissingWitness = errors.New("missing witness script")
)

// KeyRing holds a BIP32 master key in memory and signs PSBT inputs whose
// derivation records carry its master fingerprint.
type KeyRing struct {
	master      *bip32.Key
	fingerprint uint32
	netParams   *chaincfg.Params
}

// NewKeyRing derives the master key from a BIP39 seed.
func NewKeyRing(seed []byte, netParams *chaincfg.Params) (*KeyRing, error) {
	master, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, err
	}

	fp := btcutil.Hash160(master.PublicKey().Key)[:4]
	return &KeyRing{
		master:      master,
		fingerprint: binary.LittleEndian.Uint32(fp),
		netParams:   netParams,
	}, nil
}

// NewKeyRingFromMnemonic validates the mnemonic and derives the seed with
// the optional passphrase.
func NewKeyRingFromMnemonic(mnemonic, passphrase string,
	netParams *chaincfg.Params) (*KeyRing, error) {

	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, passphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMnemonic, err)
	}
	return NewKeyRing(seed, netParams)
}

// NewMnemonic generates a fresh 24 word mnemonic.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// Fingerprint is the master key fingerprint in PSBT (little endian) form.
func (k *KeyRing) Fingerprint() uint32 {
	return k.fingerprint
}

// DeriveKey walks path from the master key.
func (k *KeyRing) DeriveKey(path []uint32) (*bip32.Key, error) {
	key := k.master
	for _, idx := range path {
		child, err := key.NewChildKey(idx)
		if err != nil {
			return nil, err
		}
		key = child
	}
	return key, nil
}

// DerivePrivKey returns the private key at path.
func (k *KeyRing) DerivePrivKey(path []uint32) (*btcec.PrivateKey, error) {
	key, err := k.DeriveKey(path)
	if err != nil {
		return nil, err
	}
	priv, _ := btcec.PrivKeyFromBytes(key.Key)
	return priv, nil
}

// AccountXPub returns the serialized public key at path.
func (k *KeyRing) AccountXPub(path []uint32) (string, error) {
	key, err := k.DeriveKey(path)
	if err != nil {
		return "", err
	}
	return key.PublicKey().B58Serialize(), nil
}

// SignPsbt adds an ECDSA partial signature to every non-final input that
// has a derivation record for this key ring. Inputs owned by other signers
// are skipped.
func (k *KeyRing) SignPsbt(packet *psbt.Packet) (int, error) {
	sigHashes := txscript.NewTxSigHashes(
		packet.UnsignedTx, newPrevOutputFetcher(packet),
	)

	updater, err := psbt.NewUpdater(packet)
	if err != nil {
		return 0, err
	}

	signed := 0
	for i := range packet.Inputs {
		pInput := &packet.Inputs[i]
		if len(pInput.FinalScriptSig) > 0 ||
			len(pInput.FinalScriptWitness) > 0 {

			log.Debugf("Skipping input %d: already final", i)
			continue
		}

		for _, derivation := range pInput.Bip32Derivation {
			if derivation.MasterKeyFingerprint != k.fingerprint {
				continue
			}
			if hasPartialSig(pInput, derivation.PubKey) {
				log.Debugf("Skipping input %d: already signed", i)
				continue
			}

			err := k.signInput(
				updater, sigHashes, i, derivation,
			)
			switch {
			case errors.Is(err, errKeyMismatch),
				errors.Is(err, errUnsupported),
				errors.Is(err, errMissingUtxo),
				errors.Is(err, errMissingWitness):

				log.Debugf("Skipping input %d: %v", i, err)
				continue

			case err != nil:
				return signed, fmt.Errorf("input %d: %w", i, err)
			}
			signed++
		}
	}

	return signed, nil
}

func (k *KeyRing) signInput(updater *psbt.Updater,
	sigHashes *txscript.TxSigHashes, idx int,
	derivation *psbt.Bip32Derivation) error {

	packet := updater.Upsbt
	pInput := &packet.Inputs[idx]

	privKey, err := k.DerivePrivKey(derivation.Bip32Path)
	if err != nil {
		return err
	}
	defer privKey.Zero()

	pubKey := privKey.PubKey().SerializeCompressed()
	if !bytes.Equal(pubKey, derivation.PubKey) {
		return errKeyMismatch
	}

	utxo, err := fetchUtxo(packet, idx)
	if err != nil {
		return err
	}

	hashType := pInput.SighashType
	if hashType == 0 {
		hashType = txscript.SigHashAll
	}

	var sig []byte
	switch txscript.GetScriptClass(utxo.PkScript) {
	case txscript.WitnessV0PubKeyHashTy:
		sig, err = txscript.RawTxInWitnessSignature(
			packet.UnsignedTx, sigHashes, idx, utxo.Value,
			utxo.PkScript, hashType, privKey,
		)

	case txscript.WitnessV0ScriptHashTy:
		if len(pInput.WitnessScript) == 0 {
			return errMissingWitness
		}
		sig, err = txscript.RawTxInWitnessSignature(
			packet.UnsignedTx, sigHashes, idx, utxo.Value,
			pInput.WitnessScript, hashType, privKey,
		)

	case txscript.ScriptHashTy:
		switch {
		case len(pInput.WitnessScript) > 0:
			sig, err = txscript.RawTxInWitnessSignature(
				packet.UnsignedTx, sigHashes, idx, utxo.Value,
				pInput.WitnessScript, hashType, privKey,
			)

		case txscript.IsPayToWitnessPubKeyHash(pInput.RedeemScript):
			sig, err = txscript.RawTxInWitnessSignature(
				packet.UnsignedTx, sigHashes, idx, utxo.Value,
				pInput.RedeemScript, hashType, privKey,
			)

		case len(pInput.RedeemScript) > 0:
			sig, err = txscript.RawTxInSignature(
				packet.UnsignedTx, idx, pInput.RedeemScript,
				hashType, privKey,
			)

		default:
			return fmt.Errorf("%w: p2sh without redeem script",
				errUnsupported)
		}

	case txscript.PubKeyHashTy:
		sig, err = txscript.RawTxInSignature(
			packet.UnsignedTx, idx, utxo.PkScript, hashType, privKey,
		)

	default:
		return fmt.Errorf("%w: %x", errUnsupported, utxo.PkScript)
	}
	if err != nil {
		return err
	}

	res, err := updater.Sign(idx, sig, pubKey, nil, nil)
	if err != nil {
		return err
	}
	if res != psbt.SignSuccesful {
		return fmt.Errorf("sign outcome %d", res)
	}

	log.Debugf("Signed input %d with key at %v", idx,
		derivation.Bip32Path)

	return nil
}

func hasPartialSig(pInput *psbt.PInput, pubKey []byte) bool {
	for _, sig := range pInput.PartialSigs {
		if bytes.Equal(sig.PubKey, pubKey) {
			return true
		}
	}
	return false
}

// fetchUtxo returns the output spent by input idx, preferring the witness
// utxo.
func fetchUtxo(packet *psbt.Packet, idx int) (*wire.TxOut, error) {
	pInput := &packet.Inputs[idx]
	if pInput.WitnessUtxo != nil {
		return pInput.WitnessUtxo, nil
	}
	if pInput.NonWitnessUtxo == nil {
		return nil, errMissingUtxo
	}

	prevIdx := packet.UnsignedTx.TxIn[idx].PreviousOutPoint.Index
	if int(prevIdx) >= len(pInput.NonWitnessUtxo.TxOut) {
		return nil, fmt.Errorf("%w: output %d", errMissingUtxo, prevIdx)
	}
	return pInput.NonWitnessUtxo.TxOut[prevIdx], nil
}
