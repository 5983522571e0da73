// Command createaddress sets up a signing wallet: it prints the key origin to
// register with a coordinator, the receive addresses of the first key and,
// given cosigners, the multisig address. With --demopsbt it also plays the
// coordinator and prints an unsigned PSBT spending from that address as
// animated QR frames. --inspectpsbt lists the inputs and outputs of a hex
// encoded PSBT instead.
package main

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btclog"
	flags "github.com/jessevdk/go-flags"
	signer "psbt-signer"
	"psbt-signer/animqr"
	"psbt-signer/config"
	"psbt-signer/keyring"
	"psbt-signer/ur"
)

var log = btclog.NewBackend(os.Stderr).Logger("CADR")

type options struct {
	Network    string   `long:"network" default:"signet" choice:"mainnet" choice:"testnet" choice:"regtest" choice:"signet"`
	Mnemonic   string   `long:"mnemonic" description:"Existing BIP39 mnemonic; a new one is generated when empty"`
	Passphrase string   `long:"passphrase"`
	Cosigners  []string `long:"cosigner" description:"Other cosigner as [fingerprint/path]xpub; may be repeated"`
	Threshold  int      `long:"threshold" default:"2" description:"Signatures required by the multisig address"`
	DemoPsbt   bool     `long:"demopsbt" description:"Print an unsigned psbt spending a made up output of the multisig address"`
	Amount     uint64   `long:"amount" default:"100000" description:"Value of the made up output in satoshis"`
	QRDensity  string   `long:"qrdensity" default:"medium" choice:"low" choice:"medium" choice:"high"`

	InspectPsbt string `long:"inspectpsbt" description:"Hex encoded psbt whose inputs and outputs are listed; nothing else is done"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		var flagErr *flags.Error
		if errors.As(err, &flagErr) && flagErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if err := run(&opts); err != nil {
		log.Critical(err)
		os.Exit(1)
	}
}

func run(opts *options) error {
	netParams, err := config.NetParams(opts.Network)
	if err != nil {
		return err
	}

	if opts.InspectPsbt != "" {
		builder, err := signer.NewPsbtBuilder(netParams, opts.InspectPsbt)
		if err != nil {
			return fmt.Errorf("unable to parse psbt: %w", err)
		}
		describePsbt(builder)
		return nil
	}

	mnemonic := opts.Mnemonic
	if mnemonic == "" {
		mnemonic, err = keyring.NewMnemonic()
		if err != nil {
			return err
		}
		fmt.Printf("mnemonic: %s\n", mnemonic)
	}

	keys, err := keyring.NewKeyRingFromMnemonic(
		mnemonic, opts.Passphrase, netParams,
	)
	if err != nil {
		return err
	}

	account := signer.MultisigAccountPath(netParams)
	xpub, err := keys.AccountXPub(account)
	if err != nil {
		return err
	}
	origin := fmt.Sprintf("[%s/%s]%s",
		signer.FormatFingerprint(keys.Fingerprint()),
		signer.FormatPath(account), xpub)
	fmt.Printf("fingerprint: %s\n", signer.FormatFingerprint(keys.Fingerprint()))
	fmt.Printf("key origin: %s\n", origin)

	receivePath := append(append([]uint32{}, account...), 0, 0)
	privateKey, err := keys.DerivePrivKey(receivePath)
	if err != nil {
		return err
	}
	defer privateKey.Zero()
	pubKey := privateKey.PubKey().SerializeCompressed()
	fmt.Printf("public key m/%s: %x\n", signer.FormatPath(receivePath),
		pubKey)

	legacyAddress, err := btcutil.NewAddressPubKeyHash(
		btcutil.Hash160(pubKey), netParams,
	)
	if err != nil {
		return err
	}
	fmt.Printf("legacy address: %s\n", legacyAddress.EncodeAddress())

	nativeSegwitAddress, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(pubKey), netParams,
	)
	if err != nil {
		return err
	}
	fmt.Printf("native segwit address: %s\n",
		nativeSegwitAddress.EncodeAddress())

	taprootAddress, err := btcutil.NewAddressTaproot(
		schnorr.SerializePubKey(
			txscript.ComputeTaprootKeyNoScript(privateKey.PubKey()),
		), netParams,
	)
	if err != nil {
		return err
	}
	fmt.Printf("taproot address: %s\n", taprootAddress.EncodeAddress())

	if len(opts.Cosigners) == 0 {
		return nil
	}

	self, err := signer.ParseCosigner(origin)
	if err != nil {
		return err
	}
	cosigners := []*signer.Cosigner{self}
	for _, s := range opts.Cosigners {
		c, err := signer.ParseCosigner(s)
		if err != nil {
			return fmt.Errorf("cosigner %q: %w", s, err)
		}
		if c.XPub == nil {
			return fmt.Errorf("cosigner %q has no xpub", s)
		}
		cosigners = append(cosigners, c)
	}

	if opts.Threshold < 1 || opts.Threshold > len(cosigners) {
		return fmt.Errorf("threshold %d outside 1..%d", opts.Threshold,
			len(cosigners))
	}

	utxo := &signer.InputUtxo{Amount: opts.Amount}
	pubKeys := make([][]byte, 0, len(cosigners))
	for _, c := range cosigners {
		path := append(append([]uint32{}, c.Path...), 0, 0)
		pub, ok := c.DerivePubKey(path)
		if !ok {
			return fmt.Errorf("unable to derive %s for %v",
				signer.FormatPath(path), c)
		}
		pubKeys = append(pubKeys, pub)
		utxo.Origins = append(utxo.Origins, signer.KeyOrigin{
			PubKey:      hex.EncodeToString(pub),
			Fingerprint: c.Fingerprint,
			Path:        path,
		})
	}

	witnessScript, err := signer.MultisigWitnessScript(
		netParams, opts.Threshold, pubKeys,
	)
	if err != nil {
		return err
	}
	multisigAddress, err := signer.WitnessScriptHashAddress(
		netParams, witnessScript,
	)
	if err != nil {
		return err
	}
	fmt.Printf("%d-of-%d multisig address: %s\n", opts.Threshold,
		len(cosigners), multisigAddress.EncodeAddress())

	if !opts.DemoPsbt {
		return nil
	}

	pkScript, err := txscript.PayToAddrScript(multisigAddress)
	if err != nil {
		return err
	}
	utxo.PkScript = hex.EncodeToString(pkScript)
	utxo.WitnessScript = hex.EncodeToString(witnessScript)

	return printDemoPsbt(opts, netParams, utxo, nativeSegwitAddress)
}

// printDemoPsbt spends a made up output, identified by the hash of its
// script, back to our own segwit address.
func printDemoPsbt(opts *options, netParams *chaincfg.Params,
	utxo *signer.InputUtxo, to btcutil.Address) error {

	const fee = 1000
	if utxo.Amount <= fee {
		return fmt.Errorf("amount must exceed the %d sat fee", fee)
	}

	prevTxID := sha256.Sum256([]byte(utxo.PkScript))
	builder, err := signer.CreatePsbtBuilder(
		netParams,
		[]signer.Input{{OutTxId: hex.EncodeToString(prevTxID[:])}},
		[]signer.Output{{
			Address: to.EncodeAddress(),
			Amount:  utxo.Amount - fee,
		}},
	)
	if err != nil {
		return err
	}
	if err := builder.UpdateInputs([]*signer.InputUtxo{utxo}); err != nil {
		return err
	}

	b64, err := builder.ToBase64()
	if err != nil {
		return err
	}
	fmt.Printf("unsigned psbt: %s\n", b64)
	describePsbt(builder)

	var raw bytes.Buffer
	if err := builder.PsbtUpdater.Upsbt.Serialize(&raw); err != nil {
		return err
	}
	message, err := ur.WrapPSBT(raw.Bytes())
	if err != nil {
		return err
	}

	density, err := animqr.ParseQRDensity(opts.QRDensity)
	if err != nil {
		return err
	}
	tx, err := animqr.Transmit(message, density, nil)
	if err != nil {
		return err
	}
	frames, err := tx.Drain()
	if err != nil {
		return err
	}
	for _, frame := range frames {
		fmt.Println(frame)
	}
	return nil
}

// describePsbt prints the outpoints spent and the outputs created by the
// unsigned transaction.
func describePsbt(builder *signer.PsbtBuilder) {
	for i, in := range builder.GetInputs() {
		fmt.Printf("input %d: %v\n", i, in.PreviousOutPoint)
	}
	for i, out := range builder.GetOutputs() {
		dest := hex.EncodeToString(out.PkScript)
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(
			out.PkScript, builder.NetParams,
		)
		if err == nil && len(addrs) == 1 {
			dest = addrs[0].EncodeAddress()
		}
		fmt.Printf("output %d: %d sat to %s\n", i, out.Value, dest)
	}
}
