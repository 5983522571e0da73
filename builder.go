package psbt_signer

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// PsbtBuilder assembles unsigned PSBTs the way a watch-only coordinator
// does. The signer never needs it, but createaddress and the tests use it
// to produce documents to sign.
type PsbtBuilder struct {
	NetParams   *chaincfg.Params
	PsbtUpdater *psbt.Updater
}

// Create new psbt builder
func CreatePsbtBuilder(netParams *chaincfg.Params, ins []Input, outs []Output) (*PsbtBuilder, error) {
	var (
		txIns      = make([]*wire.OutPoint, 0, len(ins))
		nSequences = make([]uint32, 0, len(ins))
	)
	for _, in := range ins {
		txHash, err := chainhash.NewHashFromStr(in.OutTxId)
		if err != nil {
			return nil, err
		}
		txIns = append(txIns, wire.NewOutPoint(txHash, in.OutIndex))
		nSequences = append(nSequences, wire.MaxTxInSequenceNum)
	}

	txOuts, err := buildTxOuts(netParams, outs)
	if err != nil {
		return nil, err
	}

	cPsbt, err := psbt.New(txIns, txOuts, int32(2), uint32(0), nSequences)
	if err != nil {
		return nil, err
	}
	psbtBuilder := &PsbtBuilder{NetParams: netParams}

	psbtBuilder.PsbtUpdater, err = psbt.NewUpdater(cPsbt)
	if err != nil {
		return nil, err
	}
	return psbtBuilder, nil
}

// NewPsbtBuilder wraps an existing hex encoded psbt.
func NewPsbtBuilder(netParams *chaincfg.Params, psbtHex string) (*PsbtBuilder, error) {
	psbtBuilder := &PsbtBuilder{NetParams: netParams}

	b, err := hex.DecodeString(psbtHex)
	if err != nil {
		return nil, err
	}
	p, err := psbt.NewFromRawBytes(bytes.NewReader(b), false)
	if err != nil {
		return nil, err
	}
	psbtBuilder.PsbtUpdater, err = psbt.NewUpdater(p)
	if err != nil {
		return nil, err
	}
	return psbtBuilder, nil
}

func buildTxOuts(netParams *chaincfg.Params, outs []Output) ([]*wire.TxOut, error) {
	txOuts := make([]*wire.TxOut, 0, len(outs))
	for _, out := range outs {
		var pkScript []byte
		if out.Script != "" {
			scriptByte, err := hex.DecodeString(out.Script)
			if err != nil {
				return nil, err
			}
			pkScript = scriptByte
		} else {
			address, err := btcutil.DecodeAddress(out.Address, netParams)
			if err != nil {
				return nil, err
			}

			pkScript, err = txscript.PayToAddrScript(address)
			if err != nil {
				return nil, err
			}
		}

		txOuts = append(txOuts, wire.NewTxOut(int64(out.Amount), pkScript))
	}
	return txOuts, nil
}

// UpdateInputs adds the witness utxo, scripts, derivations and sighash
// type of every given input. Nothing is signed.
func (s *PsbtBuilder) UpdateInputs(utxos []*InputUtxo) error {
	for _, v := range utxos {
		pkScript, err := hex.DecodeString(v.PkScript)
		if err != nil {
			return err
		}
		txOut := wire.TxOut{Value: int64(v.Amount), PkScript: pkScript}
		if err := s.PsbtUpdater.AddInWitnessUtxo(&txOut, v.Index); err != nil {
			return fmt.Errorf("input %d witness utxo: %w", v.Index, err)
		}

		if v.RedeemScript != "" {
			redeemScript, err := hex.DecodeString(v.RedeemScript)
			if err != nil {
				return err
			}
			err = s.PsbtUpdater.AddInRedeemScript(redeemScript, v.Index)
			if err != nil {
				return fmt.Errorf("input %d redeem script: %w", v.Index, err)
			}
		}
		if v.WitnessScript != "" {
			witnessScript, err := hex.DecodeString(v.WitnessScript)
			if err != nil {
				return err
			}
			err = s.PsbtUpdater.AddInWitnessScript(witnessScript, v.Index)
			if err != nil {
				return fmt.Errorf("input %d witness script: %w", v.Index, err)
			}
		}

		for _, origin := range v.Origins {
			pubKey, err := hex.DecodeString(origin.PubKey)
			if err != nil {
				return err
			}
			err = s.PsbtUpdater.AddInBip32Derivation(
				origin.Fingerprint, origin.Path, pubKey, v.Index,
			)
			if err != nil {
				return fmt.Errorf("input %d derivation: %w", v.Index, err)
			}
		}

		if v.SighashType != 0 {
			err = s.PsbtUpdater.AddInSighashType(v.SighashType, v.Index)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *PsbtBuilder) ToString() (string, error) {
	var b bytes.Buffer
	err := s.PsbtUpdater.Upsbt.Serialize(&b)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b.Bytes()), nil
}

// ToBase64 is the form coordinators put on the wire.
func (s *PsbtBuilder) ToBase64() (string, error) {
	var b bytes.Buffer
	if err := s.PsbtUpdater.Upsbt.Serialize(&b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b.Bytes()), nil
}

func (s *PsbtBuilder) GetInputs() []*wire.TxIn {
	return s.PsbtUpdater.Upsbt.UnsignedTx.TxIn
}

func (s *PsbtBuilder) GetOutputs() []*wire.TxOut {
	return s.PsbtUpdater.Upsbt.UnsignedTx.TxOut
}

// MultisigWitnessScript builds a sorted (BIP67) m-of-n CHECKMULTISIG script.
func MultisigWitnessScript(netParams *chaincfg.Params, m int, pubKeys [][]byte) ([]byte, error) {
	sorted := make([][]byte, len(pubKeys))
	copy(sorted, pubKeys)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i], sorted[j]) < 0
	})

	addrs := make([]*btcutil.AddressPubKey, 0, len(sorted))
	for _, pub := range sorted {
		addr, err := btcutil.NewAddressPubKey(pub, netParams)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return txscript.MultiSigScript(addrs, m)
}

// WitnessScriptHashAddress returns the P2WSH address committing to the
// given witness script.
func WitnessScriptHashAddress(netParams *chaincfg.Params, witnessScript []byte) (*btcutil.AddressWitnessScriptHash, error) {
	h := sha256.Sum256(witnessScript)
	return btcutil.NewAddressWitnessScriptHash(h[:], netParams)
}
