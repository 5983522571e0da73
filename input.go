package psbt_signer

import "github.com/btcsuite/btcd/txscript"

type Input struct {
	OutTxId  string `json:"out_tx_id"`
	OutIndex uint32 `json:"out_index"`
}

type Output struct {
	Address string `json:"address"`
	Script  string `json:"script"`
	Amount  uint64 `json:"amount"`
}

// KeyOrigin is a BIP32 derivation record for one public key of an input.
type KeyOrigin struct {
	PubKey      string   `json:"pub_key"`
	Fingerprint uint32   `json:"fingerprint"`
	Path        []uint32 `json:"path"`
}

// InputUtxo carries the updater fields for one input. Scripts are hex.
type InputUtxo struct {
	SighashType   txscript.SigHashType `json:"sighash_type"`
	PkScript      string               `json:"pk_script"`
	Amount        uint64               `json:"amount"`
	WitnessScript string               `json:"witness_script"`
	RedeemScript  string               `json:"redeem_script"`
	Origins       []KeyOrigin          `json:"origins"`
	Index         int                  `json:"index"`
}
