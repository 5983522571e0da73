package animqr

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
	"psbt-signer/ur"
)

// fakeCamera hands out queued frames one per Read.
type fakeCamera struct {
	mu     sync.Mutex
	frames []string
	reads  int
}

func (c *fakeCamera) Start() error { return nil }
func (c *fakeCamera) Stop()        {}

func (c *fakeCamera) Read() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.reads++
	if len(c.frames) == 0 {
		return "", false
	}
	f := c.frames[0]
	c.frames = c.frames[1:]
	return f, true
}

func (c *fakeCamera) push(frames ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frames...)
}

// fakeDecoder accepts frames until reject is reached and completes after
// total accepted frames.
type fakeDecoder struct {
	calls     int
	total     int
	reject    int
	resultErr error
}

func (d *fakeDecoder) ReceivePart(string) bool {
	d.calls++
	return d.calls != d.reject
}

func (d *fakeDecoder) EstimatedPercentComplete() float64 {
	return float64(d.calls) / float64(d.total)
}

func (d *fakeDecoder) IsComplete() bool {
	return d.calls >= d.total
}

func (d *fakeDecoder) Result() ([]byte, error) {
	if d.resultErr != nil {
		return nil, d.resultErr
	}
	return []byte("payload"), nil
}

type modal struct {
	lines         []string
	title, bottom string
}

// fakeDisplay records draws. When block is set DrawProgress waits on it.
type fakeDisplay struct {
	mu       sync.Mutex
	modals   []modal
	progress []float64

	started chan struct{}
	block   chan struct{}
}

func (d *fakeDisplay) DrawModal(lines []string, title, bottom string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.modals = append(d.modals, modal{lines, title, bottom})
}

func (d *fakeDisplay) DrawProgress(percent float64) {
	d.mu.Lock()
	d.progress = append(d.progress, percent)
	d.mu.Unlock()

	if d.started != nil {
		d.started <- struct{}{}
	}
	if d.block != nil {
		<-d.block
	}
}

func (d *fakeDisplay) draws() ([]modal, []float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]modal(nil), d.modals...),
		append([]float64(nil), d.progress...)
}

func threeFrames(t *testing.T) ([]byte, []string) {
	t.Helper()

	message := make([]byte, 120)
	for i := range message {
		message[i] = byte(i)
	}
	enc, err := ur.NewEncoder(ur.TypeCryptoPSBT, message, 50, 0)
	require.NoError(t, err)
	require.Equal(t, 3, enc.SeqLen())

	frames := make([]string, 0, 3)
	for !enc.IsComplete() {
		frames = append(frames, strings.ToUpper(enc.NextPart()))
	}
	return message, frames
}

func TestReceiverCompletesAfterThreeFrames(t *testing.T) {
	message, frames := threeFrames(t)

	camera := &fakeCamera{}
	r := NewReceiver(ReceiverConfig{
		Camera:  camera,
		Decoder: ur.NewDecoder(),
	})
	require.Equal(t, StateIdle, r.State())

	for i, want := range []float64{0.33, 0.66, 1.0} {
		camera.push(frames[i])
		state := r.Tick()

		require.InDelta(t, want, r.Session().Percent, 0.01)
		if i < 2 {
			require.Equal(t, StatePolling, state)
			_, ok := r.Payload()
			require.False(t, ok)
		}
	}

	require.Equal(t, StateComplete, r.State())
	require.Equal(t, 1.0, r.Session().Percent)
	require.Equal(t, 3, r.Session().FramesSeen)
	require.Equal(t, 3, r.Session().ExpectedTotal)
	require.Equal(t, ur.MultiPart, r.Session().Kind)

	payload, ok := r.Payload()
	require.True(t, ok)
	require.Equal(t, message, payload)

	// Terminal: the camera is no longer read.
	reads := camera.reads
	require.Equal(t, StateComplete, r.Tick())
	require.Equal(t, reads, camera.reads)
}

func TestReceiverPromptsOnceWithoutData(t *testing.T) {
	display := &fakeDisplay{}
	r := NewReceiver(ReceiverConfig{
		Camera:  &fakeCamera{},
		Decoder: ur.NewDecoder(),
		Display: display,
	})

	for i := 0; i < 5; i++ {
		require.Equal(t, StatePolling, r.Tick())
	}

	modals, progress := display.draws()
	require.Len(t, modals, 1)
	require.Equal(t, []string{"Scan Animated QR"}, modals[0].lines)
	require.Equal(t, "Right to Exit", modals[0].bottom)
	require.Empty(t, progress)
	require.Zero(t, r.Session().FramesSeen)
}

func TestReceiverRejectsForeignFirstFrame(t *testing.T) {
	camera := &fakeCamera{}
	camera.push("bitcoin:bcrt1qfoo?amount=0.1", "ur:crypto-psbt/1-2/aeae")
	dec := &fakeDecoder{total: 2}

	r := NewReceiver(ReceiverConfig{Camera: camera, Decoder: dec})
	require.Equal(t, StateInvalid, r.Tick())
	require.ErrorIs(t, r.Err(), ErrNotThisProtocol)
	require.Zero(t, dec.calls)

	_, ok := r.Payload()
	require.False(t, ok)

	// No further frames are consumed.
	require.Equal(t, StateInvalid, r.Tick())
	require.Len(t, camera.frames, 1)
	require.Zero(t, dec.calls)
}

func TestReceiverMalformedFrame(t *testing.T) {
	camera := &fakeCamera{}
	camera.push(
		"ur:crypto-psbt/1-3/a", "ur:crypto-psbt/2-3/b",
		"ur:crypto-psbt/3-3/c",
	)
	dec := &fakeDecoder{total: 3, reject: 2}

	r := NewReceiver(ReceiverConfig{Camera: camera, Decoder: dec})
	require.Equal(t, StatePolling, r.Tick())
	require.Equal(t, StateInvalid, r.Tick())
	require.ErrorIs(t, r.Err(), ErrMalformedFrame)

	_, ok := r.Payload()
	require.False(t, ok)
}

func TestReceiverResultRejected(t *testing.T) {
	camera := &fakeCamera{}
	camera.push("ur:crypto-psbt/aeaeaeaeae")
	dec := &fakeDecoder{total: 1, resultErr: errors.New("bad")}

	r := NewReceiver(ReceiverConfig{Camera: camera, Decoder: dec})
	require.Equal(t, StateInvalid, r.Tick())
	require.ErrorIs(t, r.Err(), ErrMalformedFrame)
}

func TestReceiverPercentNeverReachesOneEarly(t *testing.T) {
	camera := &fakeCamera{}
	camera.push("ur:crypto-psbt/1-2/a", "ur:crypto-psbt/2-2/b")

	// Claims 100% after the first frame without being complete.
	dec := &fakeDecoder{total: 1}
	r := NewReceiver(ReceiverConfig{
		Camera:  camera,
		Decoder: &lyingDecoder{dec},
	})

	require.Equal(t, StatePolling, r.Tick())
	require.Less(t, r.Session().Percent, 1.0)
}

type lyingDecoder struct {
	*fakeDecoder
}

func (d *lyingDecoder) IsComplete() bool { return false }

func TestReceiverProgressIsNotReentrant(t *testing.T) {
	_, frames := threeFrames(t)

	display := &fakeDisplay{
		started: make(chan struct{}),
		block:   make(chan struct{}),
	}
	token := &RenderToken{}
	camera := &fakeCamera{}
	r := NewReceiver(ReceiverConfig{
		Camera:      camera,
		Decoder:     ur.NewDecoder(),
		Display:     display,
		RenderToken: token,
	})

	camera.push(frames[0])
	r.Tick()
	<-display.started
	require.True(t, token.InFlight())

	// The first render is still running, so this one is dropped.
	camera.push(frames[1])
	r.Tick()

	close(display.block)
	require.Eventually(t, func() bool {
		return !token.InFlight()
	}, time.Second, time.Millisecond)

	_, progress := display.draws()
	require.Len(t, progress, 1)
	require.InDelta(t, 1.0/3, progress[0], 1e-9)

	// Completion is not reported as progress.
	camera.push(frames[2])
	require.Equal(t, StateComplete, r.Tick())
	_, progress = display.draws()
	require.Len(t, progress, 1)
}

type runResult struct {
	outcome ScanOutcome
	err     error
}

func runReceiver(r *Receiver) <-chan runResult {
	done := make(chan runResult, 1)
	go func() {
		outcome, err := r.Run(context.Background())
		done <- runResult{outcome, err}
	}()
	return done
}

func TestReceiverRun(t *testing.T) {
	message, frames := threeFrames(t)

	poll := ticker.NewForce(time.Hour)
	defer poll.Stop()

	camera := &fakeCamera{}
	camera.push(frames...)
	r := NewReceiver(ReceiverConfig{
		Camera:  camera,
		Decoder: ur.NewDecoder(),
		Ticker:  poll,
	})

	done := runReceiver(r)
	for i := 0; i < 3; i++ {
		poll.Force <- time.Time{}
	}
	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, ScanComplete, res.outcome)

	payload, ok := r.Payload()
	require.True(t, ok)
	require.Equal(t, message, payload)
}

func TestReceiverRunCancel(t *testing.T) {
	_, frames := threeFrames(t)

	poll := ticker.NewForce(time.Hour)
	defer poll.Stop()

	camera := &fakeCamera{}
	camera.push(frames[0])
	r := NewReceiver(ReceiverConfig{
		Camera:  camera,
		Decoder: ur.NewDecoder(),
		Ticker:  poll,
	})

	done := runReceiver(r)

	poll.Force <- time.Time{}
	poll.Force <- time.Time{}
	r.Cancel()
	poll.Force <- time.Time{}

	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, ScanNoData, res.outcome)
	require.Equal(t, StatePolling, r.State())
	require.Equal(t, "nodata", ScanNoData.String())

	_, ok := r.Payload()
	require.False(t, ok)
}

func TestReceiverRunInvalid(t *testing.T) {
	poll := ticker.NewForce(time.Hour)
	defer poll.Stop()

	camera := &fakeCamera{}
	camera.push("WIFI:S:home;T:WPA;P:secret;;")
	r := NewReceiver(ReceiverConfig{
		Camera:  camera,
		Decoder: ur.NewDecoder(),
		Ticker:  poll,
	})

	done := runReceiver(r)

	poll.Force <- time.Time{}
	got := <-done
	require.Equal(t, ScanInvalid, got.outcome)
	require.ErrorIs(t, got.err, ErrNotThisProtocol)
}

func TestReceiverRunContext(t *testing.T) {
	poll := ticker.NewForce(time.Hour)
	defer poll.Stop()

	r := NewReceiver(ReceiverConfig{
		Camera:  &fakeCamera{},
		Decoder: ur.NewDecoder(),
		Ticker:  poll,
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := r.Run(ctx)
	require.Equal(t, ScanNoData, outcome)
	require.ErrorIs(t, err, context.Canceled)
}

func TestReceiverRunWaitsForProgressRender(t *testing.T) {
	_, frames := threeFrames(t)

	poll := ticker.NewForce(time.Hour)
	defer poll.Stop()

	display := &fakeDisplay{
		started: make(chan struct{}),
		block:   make(chan struct{}),
	}
	camera := &fakeCamera{}
	camera.push(frames[0])
	r := NewReceiver(ReceiverConfig{
		Camera:  camera,
		Decoder: ur.NewDecoder(),
		Display: display,
		Ticker:  poll,
	})

	done := runReceiver(r)
	poll.Force <- time.Time{}
	<-display.started

	r.Cancel()
	poll.Force <- time.Time{}

	select {
	case <-done:
		t.Fatal("run returned while a progress render was drawing")
	case <-time.After(50 * time.Millisecond):
	}

	close(display.block)
	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, ScanNoData, res.outcome)
}

func TestReceiverCancelBeforeRun(t *testing.T) {
	poll := ticker.NewForce(time.Hour)
	defer poll.Stop()

	camera := &fakeCamera{}
	r := NewReceiver(ReceiverConfig{
		Camera:  camera,
		Decoder: ur.NewDecoder(),
		Ticker:  poll,
	})
	r.Cancel()
	require.Equal(t, StateIdle, r.State())

	done := runReceiver(r)
	poll.Force <- time.Time{}

	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, ScanNoData, res.outcome)
	require.Equal(t, StateIdle, r.State())
}
