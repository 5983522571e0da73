// Command airgapsign scans an animated crypto-psbt QR code, signs the PSBT
// with a locally held BIP39 seed and emits the signed document as animated
// QR frames.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	flags "github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
	signer "psbt-signer"
	"psbt-signer/animqr"
	"psbt-signer/config"
	"psbt-signer/keyring"
	"psbt-signer/signing"
)

func main() {
	if err := run(); err != nil {
		var flagErr *flags.Error
		if errors.As(err, &flagErr) && flagErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig(os.Args[1:])
	if err != nil {
		return err
	}
	setLogLevels(cfg.DebugLevel)

	keys, err := loadKeyRing(cfg)
	if err != nil {
		return err
	}
	log.Infof("Key ring %s loaded for %s",
		signer.FormatFingerprint(keys.Fingerprint()), cfg.NetParams.Name)

	resolver := signer.NewPolicyResolver(cfg.NetParams, cfg.CosignerKeys)

	camera := animqr.NewStreamCamera(
		frameSource(cfg.FrameSource), 2*cfg.PollInterval,
	)

	poll := ticker.New(cfg.PollInterval)
	defer poll.Stop()

	display := &textDisplay{w: os.Stderr}

	orch := signing.New(signing.Config{
		Camera:  camera,
		Display: display,
		Ticker:  poll,
		NewSession: func() (signer.Session, error) {
			return signer.NewSession(cfg.CoordinatorKind, resolver)
		},
		Signer:              keys,
		Density:             cfg.Density,
		AllowPolicyMismatch: cfg.AllowPolicyMismatch,
		OnPolicies: func(policies []*signer.SpendPolicy, mismatch error) {
			printPolicies(os.Stderr, policies, mismatch)
		},
	})

	// An interrupt, or the end of a recorded frame source, ends the scan
	// the same way the exit button does on the device.
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)

	go func() {
		select {
		case <-interrupt:
		case <-camera.Done():
			// Leave the poll loop time to pick up the last frame.
			time.Sleep(4 * cfg.PollInterval)
		}
		orch.Cancel()
	}()

	res, err := orch.SignOnce(context.Background())
	if err != nil {
		return err
	}

	switch res.Outcome {
	case signing.OutcomeSigned:
		log.Infof("Added %d signature(s)", res.Signatures)
		return writeFrames(cfg.FrameOut, res.Transmitter)

	case signing.OutcomeCancelled:
		fmt.Println(res.Outcome)
		return nil

	default:
		return fmt.Errorf("%v: %w", res.Outcome, res.Reason)
	}
}

func loadKeyRing(cfg *config.Config) (*keyring.KeyRing, error) {
	mnemonic, err := os.ReadFile(cfg.SeedFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read seed file: %w", err)
	}

	return keyring.NewKeyRingFromMnemonic(
		strings.Join(strings.Fields(string(mnemonic)), " "),
		cfg.Passphrase, cfg.NetParams,
	)
}

func frameSource(path string) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		if path == "-" {
			return os.Stdin, nil
		}
		return os.Open(path)
	}
}

func writeFrames(path string, tx *animqr.Transmitter) error {
	out := os.Stdout
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	w := bufio.NewWriter(out)
	for !tx.Done() {
		frame, err := tx.Next()
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(w, frame); err != nil {
			return err
		}
	}
	return w.Flush()
}

func printPolicies(w io.Writer, policies []*signer.SpendPolicy,
	mismatch error) {

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Input", "Script", "Threshold", "Cosigners"})

	optional := func(o fn.Option[uint32]) string {
		return fn.MapOptionZ(o, func(v uint32) string {
			return fmt.Sprintf("%d", v)
		})
	}
	for i, p := range policies {
		t.AppendRow(table.Row{
			i, p.ScriptType, optional(p.Threshold),
			optional(p.CosignerCount),
		})
	}
	if mismatch != nil {
		t.SetCaption("warning: %v", mismatch)
	}
	t.Render()
}

// textDisplay renders modals and progress as lines of text.
type textDisplay struct {
	mu sync.Mutex
	w  io.Writer
}

func (d *textDisplay) DrawModal(lines []string, title, bottom string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if title != "" {
		_, _ = fmt.Fprintf(d.w, "== %s ==\n", title)
	}
	for _, line := range lines {
		_, _ = fmt.Fprintln(d.w, line)
	}
	if bottom != "" {
		_, _ = fmt.Fprintf(d.w, "(%s)\n", bottom)
	}
}

func (d *textDisplay) DrawProgress(percent float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, _ = fmt.Fprintf(d.w, "Collecting QR Codes: %d%% Complete\n",
		int(percent*100))
}
