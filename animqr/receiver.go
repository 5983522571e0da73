package animqr

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/ticker"
	"psbt-signer/ur"
)

var (
	// ErrNotThisProtocol is set when the first scanned QR code is not a
	// crypto-psbt UR.
	ErrNotThisProtocol = errors.New("qr code is not a crypto-psbt ur")

	// ErrMalformedFrame is set when the decoder rejects a frame or the
	// assembled message.
	ErrMalformedFrame = errors.New("malformed animated qr frame")
)

// FrameDecoder reassembles a message from scanned frames.
type FrameDecoder interface {
	// ReceivePart returns false when the frame is rejected.
	ReceivePart(frame string) bool
	EstimatedPercentComplete() float64
	IsComplete() bool
	Result() ([]byte, error)
}

var _ FrameDecoder = (*ur.Decoder)(nil)

// Display is the UI collaborator. Calls must not block for long; progress
// drawing is additionally kept off the poll loop.
type Display interface {
	DrawModal(lines []string, title, bottom string)
	DrawProgress(percent float64)
}

// RenderToken marks a progress render as in flight.
type RenderToken struct {
	busy atomic.Bool
}

// TryAcquire takes the token if no render holds it.
func (t *RenderToken) TryAcquire() bool {
	return t.busy.CompareAndSwap(false, true)
}

func (t *RenderToken) Release() {
	t.busy.Store(false)
}

func (t *RenderToken) InFlight() bool {
	return t.busy.Load()
}

// ReceiverState is the animated QR capture state.
type ReceiverState int

const (
	StateIdle ReceiverState = iota
	StatePolling
	StateInvalid
	StateComplete
)

func (s ReceiverState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateInvalid:
		return "invalid"
	case StateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// ScanOutcome is what a finished capture reports to its caller.
type ScanOutcome int

const (
	// ScanNoData means the capture was cancelled before completion.
	ScanNoData ScanOutcome = iota
	ScanInvalid
	ScanComplete
)

func (o ScanOutcome) String() string {
	switch o {
	case ScanNoData:
		return "nodata"
	case ScanInvalid:
		return "invalid"
	case ScanComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// ReceiverConfig holds the collaborators of one capture.
type ReceiverConfig struct {
	Camera  Camera
	Decoder FrameDecoder

	// Display is optional.
	Display Display

	// Ticker drives Run. Its lifetime belongs to the caller.
	Ticker ticker.Ticker

	// RenderToken guards progress rendering. A private token is used when
	// nil.
	RenderToken *RenderToken
}

// Receiver polls a camera and feeds frames into a decoder until the message
// is complete, the content turns out invalid, or the user cancels.
type Receiver struct {
	cfg ReceiverConfig

	state   ReceiverState
	session TransportSession
	payload []byte
	err     error

	prompted bool
	stop     atomic.Bool

	// renders tracks the progress render started by this receiver.
	renders sync.WaitGroup
}

func NewReceiver(cfg ReceiverConfig) *Receiver {
	if cfg.RenderToken == nil {
		cfg.RenderToken = &RenderToken{}
	}
	return &Receiver{cfg: cfg}
}

func (r *Receiver) State() ReceiverState {
	return r.state
}

// Session returns a snapshot of the capture bookkeeping.
func (r *Receiver) Session() TransportSession {
	return r.session
}

// Err is the reason the receiver became invalid.
func (r *Receiver) Err() error {
	return r.err
}

// Payload returns the assembled message once the receiver is complete.
func (r *Receiver) Payload() ([]byte, bool) {
	if r.state != StateComplete {
		return nil, false
	}
	return r.payload, true
}

// Cancel asks Run to return at its next tick. It may be called from any
// goroutine.
func (r *Receiver) Cancel() {
	r.stop.Store(true)
}

func (r *Receiver) terminal() bool {
	return r.state == StateInvalid || r.state == StateComplete
}

// Tick performs one non-blocking poll of the camera.
func (r *Receiver) Tick() ReceiverState {
	if r.terminal() {
		return r.state
	}
	r.state = StatePolling

	frame, ok := r.cfg.Camera.Read()
	if !ok {
		if !r.prompted {
			r.prompted = true
			r.drawModal([]string{"Scan Animated QR"}, "", "Right to Exit")
		}
		return r.state
	}

	first := r.session.FramesSeen == 0
	r.session.FramesSeen++

	if first {
		kind := r.session.classify(frame)
		if kind == ur.NotThisProtocol {
			log.Infof("First frame is not a crypto-psbt ur")
			r.invalidate(ErrNotThisProtocol)
			return r.state
		}
		log.Debugf("Capture started: kind=%v, total=%d", kind,
			r.session.ExpectedTotal)
	}

	if !r.cfg.Decoder.ReceivePart(frame) {
		log.Infof("Frame %d rejected by decoder", r.session.FramesSeen)
		r.invalidate(ErrMalformedFrame)
		return r.state
	}

	complete := r.cfg.Decoder.IsComplete()
	percent := r.session.observe(
		r.cfg.Decoder.EstimatedPercentComplete(), complete,
	)

	if !complete {
		r.notifyProgress(percent)
		return r.state
	}

	payload, err := r.cfg.Decoder.Result()
	if err != nil {
		log.Infof("Assembled message rejected: %v", err)
		r.invalidate(ErrMalformedFrame)
		return r.state
	}

	r.payload = payload
	r.state = StateComplete
	log.Infof("Capture complete after %d frames, %d bytes",
		r.session.FramesSeen, len(payload))

	return r.state
}

func (r *Receiver) invalidate(err error) {
	r.state = StateInvalid
	r.err = err
	r.payload = nil
}

func (r *Receiver) drawModal(lines []string, title, bottom string) {
	if r.cfg.Display == nil {
		return
	}
	r.cfg.Display.DrawModal(lines, title, bottom)
}

// notifyProgress hands the percentage to the display unless a previous
// render is still running.
func (r *Receiver) notifyProgress(percent float64) {
	if r.cfg.Display == nil {
		return
	}
	token := r.cfg.RenderToken
	if !token.TryAcquire() {
		log.Tracef("Progress render in flight, skipping %.2f", percent)
		return
	}

	r.renders.Add(1)
	go func() {
		defer r.renders.Done()
		defer token.Release()
		r.cfg.Display.DrawProgress(percent)
	}()
}

// Run ticks the receiver on every ticker event until the capture ends. A
// cancelled capture reports ScanNoData with a nil error; an invalid one
// reports ScanInvalid together with the reason. Run does not return while
// a progress render it started is still drawing.
func (r *Receiver) Run(ctx context.Context) (ScanOutcome, error) {
	t := r.cfg.Ticker
	t.Resume()
	defer t.Pause()
	defer r.renders.Wait()

	for {
		select {
		case <-t.Ticks():
			if r.stop.Load() {
				log.Infof("Capture cancelled after %d frames",
					r.session.FramesSeen)
				return ScanNoData, nil
			}

			switch r.Tick() {
			case StateComplete:
				return ScanComplete, nil
			case StateInvalid:
				return ScanInvalid, r.err
			}

		case <-ctx.Done():
			return ScanNoData, ctx.Err()
		}
	}
}
