package psbt_signer

import "github.com/btcsuite/btcd/chaincfg"

// ScriptType is the spending script family of a PSBT input.
type ScriptType int

const (
	ScriptTypeOther ScriptType = iota
	ScriptTypeP2PKH
	ScriptTypeP2SH
	ScriptTypeP2SHP2WSH
	ScriptTypeP2SHP2WPKH
	ScriptTypeP2WSH
	ScriptTypeP2WPKH
	ScriptTypeP2TR
)

func (t ScriptType) String() string {
	switch t {
	case ScriptTypeP2PKH:
		return "p2pkh"
	case ScriptTypeP2SH:
		return "p2sh"
	case ScriptTypeP2SHP2WSH:
		return "p2sh-p2wsh"
	case ScriptTypeP2SHP2WPKH:
		return "p2sh-p2wpkh"
	case ScriptTypeP2WSH:
		return "p2wsh"
	case ScriptTypeP2WPKH:
		return "p2wpkh"
	case ScriptTypeP2TR:
		return "p2tr"
	default:
		return "other"
	}
}

// Coordinator selects which Session variant handles a signing round.
type Coordinator int

const (
	// BlueWallet returns only the partial signatures to the coordinator.
	BlueWallet Coordinator = iota

	// Generic returns the full signed document.
	Generic
)

func (c Coordinator) String() string {
	switch c {
	case BlueWallet:
		return "bluewallet"
	case Generic:
		return "generic"
	default:
		return "unknown"
	}
}

const (
	// HardenedKeyStart is the index of the first hardened BIP32 child.
	HardenedKeyStart uint32 = 0x80000000

	// MultisigPurpose is the BIP48 purpose used for multisig accounts.
	MultisigPurpose uint32 = 48

	// NativeSegwitScriptIndex is the BIP48 script type for P2WSH.
	NativeSegwitScriptIndex uint32 = 2
)

// MultisigAccountPath returns the hardened m/48h/coin'h/0h/2h account path
// for the given network.
func MultisigAccountPath(netParams *chaincfg.Params) []uint32 {
	coin := uint32(1)
	if netParams.Net == chaincfg.MainNetParams.Net {
		coin = 0
	}
	return []uint32{
		MultisigPurpose + HardenedKeyStart,
		coin + HardenedKeyStart,
		0 + HardenedKeyStart,
		NativeSegwitScriptIndex + HardenedKeyStart,
	}
}
