package psbt_signer

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/require"
	"psbt-signer/keyring"
)

var testNet = &chaincfg.RegressionNetParams

// testMultisig is an m-of-n P2WSH wallet whose cosigners all live in this
// process.
type testMultisig struct {
	keys          []*keyring.KeyRing
	cosigners     []*Cosigner
	pubKeys       [][]byte
	origins       []KeyOrigin
	witnessScript []byte
	pkScript      []byte
}

func newTestKeyRing(t *testing.T, seed byte) *keyring.KeyRing {
	t.Helper()

	keys, err := keyring.NewKeyRing(bytes.Repeat([]byte{seed}, 32), testNet)
	require.NoError(t, err)
	return keys
}

func newTestCosigner(t *testing.T, keys *keyring.KeyRing) *Cosigner {
	t.Helper()

	account := MultisigAccountPath(testNet)
	xpub, err := keys.AccountXPub(account)
	require.NoError(t, err)

	c, err := ParseCosigner(fmt.Sprintf("[%s/%s]%s",
		FormatFingerprint(keys.Fingerprint()), FormatPath(account), xpub))
	require.NoError(t, err)
	return c
}

func newTestMultisig(t *testing.T, m int, seeds ...byte) *testMultisig {
	t.Helper()

	w := &testMultisig{}
	for _, seed := range seeds {
		keys := newTestKeyRing(t, seed)
		c := newTestCosigner(t, keys)

		path := append(append([]uint32{}, c.Path...), 0, 0)
		pub, ok := c.DerivePubKey(path)
		require.True(t, ok)

		w.keys = append(w.keys, keys)
		w.cosigners = append(w.cosigners, c)
		w.pubKeys = append(w.pubKeys, pub)
		w.origins = append(w.origins, KeyOrigin{
			PubKey:      hex.EncodeToString(pub),
			Fingerprint: keys.Fingerprint(),
			Path:        path,
		})
	}

	var err error
	w.witnessScript, err = MultisigWitnessScript(testNet, m, w.pubKeys)
	require.NoError(t, err)

	addr, err := WitnessScriptHashAddress(testNet, w.witnessScript)
	require.NoError(t, err)
	w.pkScript, err = txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	return w
}

// unsignedPsbt returns a base64 PSBT spending one output of the wallet back
// to itself.
func (w *testMultisig) unsignedPsbt(t *testing.T) string {
	t.Helper()

	const amount = 100_000
	builder, err := CreatePsbtBuilder(testNet,
		[]Input{{OutTxId: strings.Repeat("11", 32), OutIndex: 1}},
		[]Output{{
			Script: hex.EncodeToString(w.pkScript),
			Amount: amount - 1000,
		}},
	)
	require.NoError(t, err)

	err = builder.UpdateInputs([]*InputUtxo{{
		PkScript:      hex.EncodeToString(w.pkScript),
		Amount:        amount,
		WitnessScript: hex.EncodeToString(w.witnessScript),
		Origins:       w.origins,
	}})
	require.NoError(t, err)

	b64, err := builder.ToBase64()
	require.NoError(t, err)
	return b64
}
