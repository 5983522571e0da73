package animqr

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
	"psbt-signer/ur"
)

func TestQRDensity(t *testing.T) {
	require.Equal(t, 50, DensityLow.FrameCapacity())
	require.Equal(t, 70, DensityMedium.FrameCapacity())
	require.Equal(t, 120, DensityHigh.FrameCapacity())

	for _, d := range []QRDensity{DensityLow, DensityMedium, DensityHigh} {
		parsed, err := ParseQRDensity(strings.ToUpper(d.String()))
		require.NoError(t, err)
		require.Equal(t, d, parsed)
	}

	d, err := ParseQRDensity("")
	require.NoError(t, err)
	require.Equal(t, DensityMedium, d)

	_, err = ParseQRDensity("ultra")
	require.Error(t, err)
}

func TestTransmitProgress(t *testing.T) {
	message := bytes.Repeat([]byte{0xab}, 300)

	var progress []int
	tx, err := Transmit(message, DensityLow, func(p int) {
		progress = append(progress, p)
	})
	require.NoError(t, err)
	require.Equal(t, 6, tx.Total())

	frames, err := tx.Drain()
	require.NoError(t, err)
	require.Len(t, frames, 6)
	require.Equal(t, []int{16, 33, 50, 66, 83, 100}, progress)

	for _, f := range frames {
		require.Equal(t, strings.ToUpper(f), f)
		require.Equal(t, ur.MultiPart, ur.Classify(f))
	}

	require.True(t, tx.Done())
	_, err = tx.Next()
	require.ErrorIs(t, err, ErrTransmitExhausted)
	require.Len(t, progress, 6)
}

func TestTransmitSingleFrame(t *testing.T) {
	tx, err := Transmit([]byte("short"), DensityHigh, nil)
	require.NoError(t, err)
	require.Equal(t, 1, tx.Total())

	frame, err := tx.Next()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(frame, "UR:CRYPTO-PSBT/"))
	require.Equal(t, ur.Single, ur.Classify(frame))

	_, err = tx.Next()
	require.ErrorIs(t, err, ErrTransmitExhausted)
}

func TestTransmitEmpty(t *testing.T) {
	_, err := Transmit(nil, DensityMedium, nil)
	require.ErrorIs(t, err, ur.ErrEmptyMessage)
}

func TestTransmitRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		message := rapid.SliceOfN(rapid.Byte(), 1, 2000).Draw(t, "message")
		density := rapid.SampledFrom(
			[]QRDensity{DensityLow, DensityMedium, DensityHigh},
		).Draw(t, "density")

		tx, err := Transmit(message, density, nil)
		if err != nil {
			t.Fatalf("transmit: %v", err)
		}
		frames, err := tx.Drain()
		if err != nil {
			t.Fatalf("drain: %v", err)
		}
		if len(frames) != tx.Total() {
			t.Fatalf("%d frames, total %d", len(frames), tx.Total())
		}

		dec := ur.NewDecoder()
		for i, f := range frames {
			if !dec.ReceivePart(f) {
				t.Fatalf("frame %d rejected", i)
			}
		}
		got, err := dec.Result()
		if err != nil {
			t.Fatalf("result: %v", err)
		}
		if !bytes.Equal(got, message) {
			t.Fatalf("round trip mismatch")
		}
	})
}

// countingEncoder emits numbered frames.
type countingEncoder struct {
	total, next int
}

func (e *countingEncoder) SeqLen() int      { return e.total }
func (e *countingEncoder) IsComplete() bool { return e.next >= e.total }

func (e *countingEncoder) NextPart() string {
	e.next++
	return "ur:test/" + strings.Repeat("a", e.next)
}

func TestTransmitterWithEncoder(t *testing.T) {
	var progress []int
	tx := NewTransmitter(&countingEncoder{total: 3}, func(p int) {
		progress = append(progress, p)
	})

	frames, err := tx.Drain()
	require.NoError(t, err)
	require.Equal(t, []string{"UR:TEST/A", "UR:TEST/AA", "UR:TEST/AAA"}, frames)
	require.Equal(t, []int{33, 66, 100}, progress)

	frames, err = tx.Drain()
	require.NoError(t, err)
	require.Empty(t, frames)
}
