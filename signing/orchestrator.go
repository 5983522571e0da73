package signing

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/lightningnetwork/lnd/ticker"
	signer "psbt-signer"
	"psbt-signer/animqr"
	"psbt-signer/ur"
)

// Outcome is the terminal result of one signing round.
type Outcome int

const (
	// OutcomeSigned means a signed document is ready for transmission.
	OutcomeSigned Outcome = iota

	// OutcomeCancelled means the user left the scan before it completed.
	OutcomeCancelled

	// OutcomeInvalid means the scanned QR content was not a crypto-psbt
	// UR or one of its frames was corrupt.
	OutcomeInvalid

	// OutcomeMalformedPsbt means the transport completed but did not
	// carry a valid PSBT.
	OutcomeMalformedPsbt

	// OutcomePolicyMismatch means a multisig input references keys
	// outside the configured cosigner set and signing was refused.
	OutcomePolicyMismatch
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSigned:
		return "signed"
	case OutcomeCancelled:
		return "nodata"
	case OutcomeInvalid:
		return "invalid"
	case OutcomeMalformedPsbt:
		return "malformed psbt"
	case OutcomePolicyMismatch:
		return "policy mismatch"
	default:
		return "unknown"
	}
}

// Result describes a finished round. Only a signed round carries a
// document and a transmitter.
type Result struct {
	Outcome Outcome

	// Reason explains a non-signed outcome other than cancellation.
	Reason error

	// Policies is set once the document has been parsed.
	Policies []*signer.SpendPolicy

	// Signatures is the number of signatures added in this round.
	Signatures int

	// SignedPsbt is the base64 document sent back to the coordinator.
	SignedPsbt string

	// Transmitter yields the frames carrying SignedPsbt.
	Transmitter *animqr.Transmitter
}

// Config holds the collaborators of the signing flow.
type Config struct {
	Camera  animqr.Camera
	Display animqr.Display

	// Ticker drives the scan loop.
	Ticker ticker.Ticker

	// NewDecoder returns a fresh frame decoder for each round. Defaults
	// to a UR decoder.
	NewDecoder func() animqr.FrameDecoder

	// NewSession returns a fresh PSBT session for each round.
	NewSession func() (signer.Session, error)

	Signer signer.Signer

	Density animqr.QRDensity

	// AllowPolicyMismatch signs inputs even when a multisig key is not
	// one of the known cosigners.
	AllowPolicyMismatch bool

	// OnPolicies, if set, is shown the resolved policies before signing.
	OnPolicies func(policies []*signer.SpendPolicy, mismatch error)
}

// Orchestrator runs scan, sign and transmit rounds. Rounds must not run
// concurrently.
type Orchestrator struct {
	cfg Config

	renderToken animqr.RenderToken
	receiver    atomic.Pointer[animqr.Receiver]

	// cancelled is set by Cancel for the round in progress, including
	// while the camera is still starting.
	cancelled atomic.Bool
}

func New(cfg Config) *Orchestrator {
	if cfg.NewDecoder == nil {
		cfg.NewDecoder = func() animqr.FrameDecoder {
			return ur.NewDecoder()
		}
	}
	return &Orchestrator{cfg: cfg}
}

// Cancel stops the scan of the running round, if any. It may be called
// before the scan starts polling.
func (o *Orchestrator) Cancel() {
	o.cancelled.Store(true)
	if r := o.receiver.Load(); r != nil {
		r.Cancel()
	}
}

// SignOnce scans one PSBT, signs it and prepares the reply frames. Camera
// failures and unexpected signing errors are returned as errors; everything
// the user can cause is reported through Result.Outcome.
func (o *Orchestrator) SignOnce(ctx context.Context) (*Result, error) {
	o.cancelled.Store(false)

	payload, res, err := o.scan(ctx)
	if err != nil || res != nil {
		return res, err
	}

	return o.process(payload)
}

func (o *Orchestrator) scan(ctx context.Context) ([]byte, *Result, error) {
	o.drawModal([]string{"Initializing Camera"}, "", "")
	if err := o.cfg.Camera.Start(); err != nil {
		return nil, nil, fmt.Errorf("unable to start camera: %w", err)
	}
	defer o.cfg.Camera.Stop()

	receiver := animqr.NewReceiver(animqr.ReceiverConfig{
		Camera:      o.cfg.Camera,
		Decoder:     o.cfg.NewDecoder(),
		Display:     o.cfg.Display,
		Ticker:      o.cfg.Ticker,
		RenderToken: &o.renderToken,
	})
	o.receiver.Store(receiver)
	defer o.receiver.Store(nil)

	// Cancel stores the flag before loading the receiver, so one of the
	// two sides always sees the other.
	if o.cancelled.Load() {
		receiver.Cancel()
	}

	outcome, err := receiver.Run(ctx)
	switch outcome {
	case animqr.ScanComplete:
		payload, _ := receiver.Payload()
		return payload, nil, nil

	case animqr.ScanInvalid:
		log.Infof("Scan invalid: %v", err)
		return nil, &Result{Outcome: OutcomeInvalid, Reason: err}, nil

	default:
		if err != nil {
			return nil, nil, err
		}
		return nil, &Result{Outcome: OutcomeCancelled}, nil
	}
}

// process runs the PSBT stages on a completed scan.
func (o *Orchestrator) process(payload []byte) (*Result, error) {
	b64, err := psbtText(payload)
	if err != nil {
		return &Result{Outcome: OutcomeMalformedPsbt, Reason: err}, nil
	}

	session, err := o.cfg.NewSession()
	if err != nil {
		return nil, err
	}
	if err := session.Parse(b64); err != nil {
		log.Infof("Scanned payload rejected: %v", err)
		return &Result{Outcome: OutcomeMalformedPsbt, Reason: err}, nil
	}

	policies, err := session.ResolvePolicies()
	if err != nil && !errors.Is(err, signer.ErrPolicyMismatch) {
		log.Infof("Unable to resolve spend policies: %v", err)
		if !errors.Is(err, signer.ErrMalformedPsbt) {
			err = fmt.Errorf("%w: %w", signer.ErrMalformedPsbt, err)
		}
		return &Result{Outcome: OutcomeMalformedPsbt, Reason: err}, nil
	}
	if o.cfg.OnPolicies != nil {
		o.cfg.OnPolicies(policies, err)
	}
	if err != nil {
		if !o.cfg.AllowPolicyMismatch {
			return &Result{
				Outcome:  OutcomePolicyMismatch,
				Reason:   err,
				Policies: policies,
			}, nil
		}
		log.Warnf("Signing despite policy mismatch: %v", err)
		session.AcceptPolicyMismatch()
	}

	n, err := session.Sign(o.cfg.Signer)
	if err != nil {
		return nil, fmt.Errorf("signing failed: %w", err)
	}

	trimmed, err := session.TrimToNewSignatures()
	if err != nil {
		return nil, err
	}
	signed, err := session.SerializeBase64(trimmed)
	if err != nil {
		return nil, err
	}

	tx, err := o.transmitter(trimmed)
	if err != nil {
		return nil, err
	}

	return &Result{
		Outcome:     OutcomeSigned,
		Policies:    policies,
		Signatures:  n,
		SignedPsbt:  signed,
		Transmitter: tx,
	}, nil
}

func (o *Orchestrator) transmitter(packet *psbt.Packet) (*animqr.Transmitter,
	error) {

	var buf bytes.Buffer
	if err := packet.Serialize(&buf); err != nil {
		return nil, err
	}
	message, err := ur.WrapPSBT(buf.Bytes())
	if err != nil {
		return nil, err
	}

	return animqr.Transmit(message, o.cfg.Density, func(percent int) {
		log.Tracef("Transmit progress %d%%", percent)
	})
}

func (o *Orchestrator) drawModal(lines []string, title, bottom string) {
	if o.cfg.Display != nil {
		o.cfg.Display.DrawModal(lines, title, bottom)
	}
}

// psbtText turns a scanned crypto-psbt message into base64 PSBT text.
func psbtText(payload []byte) (string, error) {
	bin, err := ur.UnwrapPSBT(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", signer.ErrMalformedPsbt, err)
	}
	return base64.StdEncoding.EncodeToString(bin), nil
}
