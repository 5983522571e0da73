package animqr

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrCameraStarted is returned when Start is called twice.
var ErrCameraStarted = errors.New("camera already started")

// Camera produces scanned QR payload strings in the background.
type Camera interface {
	// Start acquires the capture source. It returns once frames can be
	// read.
	Start() error

	// Read returns the newest unread frame without blocking.
	Read() (string, bool)

	// Stop releases the capture source.
	Stop()
}

// StreamCamera reads decoded QR strings, one per line, from a source such as
// a "zbarcam --raw" pipe.
type StreamCamera struct {
	open func() (io.ReadCloser, error)

	// pace is slept after each frame so that recorded sources play back
	// like a camera instead of overwriting the slot in a burst.
	pace time.Duration

	slot FrameSlot

	started atomic.Bool

	src         io.ReadCloser
	quit        chan struct{}
	done        chan struct{}
	stopOnce    sync.Once
	releaseOnce sync.Once
}

var _ Camera = (*StreamCamera)(nil)

// NewStreamCamera returns a camera reading from the source returned by
// open. A zero pace delivers frames as fast as they arrive.
func NewStreamCamera(open func() (io.ReadCloser, error),
	pace time.Duration) *StreamCamera {

	return &StreamCamera{
		open: open,
		pace: pace,
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (c *StreamCamera) Start() error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrCameraStarted
	}

	src, err := c.open()
	if err != nil {
		close(c.done)
		return err
	}
	c.src = src

	go c.capture()

	log.Debugf("Camera started")
	return nil
}

func (c *StreamCamera) capture() {
	defer close(c.done)
	defer c.release()

	scanner := bufio.NewScanner(c.src)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		select {
		case <-c.quit:
			return
		default:
		}

		frame := strings.TrimSpace(scanner.Text())
		if frame == "" {
			continue
		}
		c.slot.Put(frame)

		if c.pace > 0 {
			select {
			case <-time.After(c.pace):
			case <-c.quit:
				return
			}
		}
	}

	select {
	case <-c.quit:
	default:
		if err := scanner.Err(); err != nil {
			log.Errorf("Camera capture ended: %v", err)
		} else {
			log.Debugf("Camera source exhausted")
		}
	}
}

func (c *StreamCamera) Read() (string, bool) {
	return c.slot.Take()
}

// Done is closed once the capture goroutine has exited, either because the
// source ended or because the camera was stopped.
func (c *StreamCamera) Done() <-chan struct{} {
	return c.done
}

// Stop is safe to call more than once and before Start.
func (c *StreamCamera) Stop() {
	c.stopOnce.Do(func() {
		close(c.quit)
	})
	if c.src == nil {
		return
	}

	// Closing unblocks a capture goroutine waiting on the source where
	// the source supports it. The goroutine never touches the slot or the
	// source after observing quit.
	c.release()
}

func (c *StreamCamera) release() {
	c.releaseOnce.Do(func() {
		if err := c.src.Close(); err != nil {
			log.Warnf("Closing camera source: %v", err)
		}
		log.Debugf("Camera released")
	})
}
