package keyring

import (
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// prevOutputFetcher serves the spent outputs of a packet's inputs for
// sighash computation.
type prevOutputFetcher struct {
	outputs map[wire.OutPoint]*wire.TxOut
}

var _ txscript.PrevOutputFetcher = (*prevOutputFetcher)(nil)

func newPrevOutputFetcher(packet *psbt.Packet) *prevOutputFetcher {
	f := &prevOutputFetcher{
		outputs: make(map[wire.OutPoint]*wire.TxOut, len(packet.Inputs)),
	}
	for i, txIn := range packet.UnsignedTx.TxIn {
		utxo, err := fetchUtxo(packet, i)
		if err != nil {
			// Other signers' inputs may come without utxo data.
			continue
		}
		f.outputs[txIn.PreviousOutPoint] = utxo
	}
	return f
}

// FetchPrevOutput never returns nil; NewTxSigHashes inspects the script of
// every input's previous output.
func (f *prevOutputFetcher) FetchPrevOutput(op wire.OutPoint) *wire.TxOut {
	if out, ok := f.outputs[op]; ok {
		return out
	}
	return &wire.TxOut{}
}
