package ur

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func testMessage(n int) []byte {
	m := make([]byte, n)
	for i := range m {
		m[i] = byte(i*7 + 3)
	}
	return m
}

func encodeAll(t require.TestingT, message []byte, capacity int) []string {
	enc, err := NewEncoder(TypeCryptoPSBT, message, capacity, 0)
	require.NoError(t, err)

	parts := make([]string, 0, enc.SeqLen())
	for !enc.IsComplete() {
		parts = append(parts, enc.NextPart())
	}
	return parts
}

func partFrame(t *testing.T, p *part) string {
	t.Helper()

	body, err := encodePart(p)
	require.NoError(t, err)
	return fmt.Sprintf("ur:%s/%d-%d/%s", TypeCryptoPSBT, p.SeqNum,
		p.SeqLen, encodeMinimal(body))
}

func TestNominalFragmentLength(t *testing.T) {
	require.Equal(t, 25, nominalFragmentLength(100, 10, 30))
	require.Equal(t, 50, nominalFragmentLength(100, 10, 50))
	require.Equal(t, 100, nominalFragmentLength(100, 10, 120))
	require.Equal(t, 9, nominalFragmentLength(9, 10, 50))
}

func TestEncoderErrors(t *testing.T) {
	_, err := NewEncoder(TypeCryptoPSBT, nil, 50, 0)
	require.ErrorIs(t, err, ErrEmptyMessage)

	_, err = NewEncoder(TypeCryptoPSBT, testMessage(20), MinFragmentLen-1, 0)
	require.Error(t, err)
}

func TestEncoderSinglePart(t *testing.T) {
	message := testMessage(40)

	enc, err := NewEncoder(TypeCryptoPSBT, message, 70, 0)
	require.NoError(t, err)
	require.Equal(t, 1, enc.SeqLen())
	require.False(t, enc.IsComplete())

	part := enc.NextPart()
	require.True(t, enc.IsComplete())
	require.Equal(t, Single, Classify(part))

	dec := NewDecoder()
	require.True(t, dec.ReceivePart(part))
	require.True(t, dec.IsComplete())
	require.Equal(t, 1.0, dec.EstimatedPercentComplete())

	// A single part message is repeated as is.
	require.Equal(t, part, enc.NextPart())

	got, err := dec.Result()
	require.NoError(t, err)
	require.Equal(t, message, got)
}

func TestEncoderEmitsFountainParts(t *testing.T) {
	message := testMessage(100)
	enc, err := NewEncoder(TypeCryptoPSBT, message, 30, 0)
	require.NoError(t, err)
	require.Equal(t, 4, enc.SeqLen())

	for i := 1; i <= enc.SeqLen(); i++ {
		require.Contains(t, enc.NextPart(), fmt.Sprintf("/%d-4/", i))
	}
	require.True(t, enc.IsComplete())

	// Past the simple parts every frame is a fountain part, and those
	// alone are enough to decode.
	dec := NewDecoder()
	for i := 5; i < 100 && !dec.IsComplete(); i++ {
		frame := enc.NextPart()
		require.Contains(t, frame, fmt.Sprintf("/%d-4/", i))
		require.Equal(t, MultiPart, Classify(frame))
		require.True(t, dec.ReceivePart(frame))
	}
	require.True(t, dec.IsComplete())

	got, err := dec.Result()
	require.NoError(t, err)
	require.Equal(t, message, got)
}

func TestEncoderFirstSeqNum(t *testing.T) {
	enc, err := NewEncoder(TypeCryptoPSBT, testMessage(100), 30, 3)
	require.NoError(t, err)
	require.False(t, enc.IsComplete())
	require.Contains(t, enc.NextPart(), "/4-4/")
	require.True(t, enc.IsComplete())
}

func TestRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		message := rapid.SliceOfN(rapid.Byte(), 1, 1200).Draw(t, "message")
		capacity := rapid.IntRange(MinFragmentLen, 200).Draw(t, "capacity")

		parts := encodeAll(t, message, capacity)

		dec := NewDecoder()
		last := 0.0
		for i, part := range parts {
			if !dec.ReceivePart(part) {
				t.Fatalf("part %d rejected", i)
			}

			p := dec.EstimatedPercentComplete()
			if p < last {
				t.Fatalf("progress went back from %v to %v", last, p)
			}
			last = p

			done := i == len(parts)-1
			if dec.IsComplete() != done || (p == 1) != done {
				t.Fatalf("part %d/%d: complete=%v percent=%v", i+1,
					len(parts), dec.IsComplete(), p)
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

func TestDecoderIdempotentAndOrderFree(t *testing.T) {
	message := testMessage(500)
	parts := encodeAll(t, message, 50)
	require.Len(t, parts, 10)

	rapid.Check(t, func(rt *rapid.T) {
		order := rapid.Permutation(parts).Draw(rt, "order")

		dec := NewDecoder()
		for _, part := range order[:len(order)-1] {
			if !dec.ReceivePart(part) {
				rt.Fatalf("part rejected")
			}

			before := dec.EstimatedPercentComplete()
			if !dec.ReceivePart(part) ||
				dec.EstimatedPercentComplete() != before ||
				dec.IsComplete() {

				rt.Fatalf("resubmitted part changed the decoder")
			}
		}

		if !dec.ReceivePart(order[len(order)-1]) || !dec.IsComplete() {
			rt.Fatalf("last part did not complete the message")
		}
		got, _ := dec.Result()
		if !bytes.Equal(got, message) {
			rt.Fatalf("round trip mismatch")
		}
	})
}

func TestDecoderRejects(t *testing.T) {
	parts := encodeAll(t, testMessage(120), 40)
	other := encodeAll(t, testMessage(119), 40)
	require.Len(t, parts, 3)
	require.Len(t, other, 3)

	t.Run("other message", func(t *testing.T) {
		dec := NewDecoder()
		require.True(t, dec.ReceivePart(parts[0]))
		require.False(t, dec.ReceivePart(other[1]))
		require.InDelta(t, 1.0/3, dec.EstimatedPercentComplete(), 1e-9)
	})

	t.Run("other type", func(t *testing.T) {
		dec := NewDecoder()
		require.True(t, dec.ReceivePart(parts[0]))

		foreign := "ur:bytes" + parts[1][len("ur:crypto-psbt"):]
		require.False(t, dec.ReceivePart(foreign))
	})

	t.Run("single during multi", func(t *testing.T) {
		dec := NewDecoder()
		require.True(t, dec.ReceivePart(parts[0]))

		single := encodeAll(t, testMessage(5), 40)
		require.Len(t, single, 1)
		require.False(t, dec.ReceivePart(single[0]))
	})

	t.Run("garbage", func(t *testing.T) {
		dec := NewDecoder()
		for _, s := range []string{
			"", "hello", "ur:crypto-psbt", "ur:crypto-psbt/",
			"ur:crypto-psbt/1-3/zzzz", "ur:crypto-psbt/0-3/" +
				parts[0][len("ur:crypto-psbt/1-3/"):],
			"ur:crypto-psbt/2-3/" + parts[0][len("ur:crypto-psbt/1-3/"):],
			"ur:crypto psbt/aeae",
		} {
			require.False(t, dec.ReceivePart(s), s)
		}
		require.Zero(t, dec.EstimatedPercentComplete())

		_, err := dec.Result()
		require.ErrorIs(t, err, ErrIncomplete)
	})
}

func TestDecoderChecksumMismatch(t *testing.T) {
	message := testMessage(30)
	checksum := crc32.ChecksumIEEE(message) ^ 1

	dec := NewDecoder()
	for i := 0; i < 3; i++ {
		ok := dec.ReceivePart(partFrame(t, &part{
			SeqNum:     uint32(i + 1),
			SeqLen:     3,
			MessageLen: len(message),
			Checksum:   checksum,
			Data:       message[i*10 : (i+1)*10],
		}))
		require.Equal(t, i < 2, ok)
	}
	require.False(t, dec.IsComplete())
	require.Less(t, dec.EstimatedPercentComplete(), 1.0)
}

func TestDecoderRejectsForeignFountainPart(t *testing.T) {
	message := testMessage(30)
	checksum := crc32.ChecksumIEEE(message)
	frame := func(seq uint32, data []byte) string {
		return partFrame(t, &part{
			SeqNum:     seq,
			SeqLen:     3,
			MessageLen: len(message),
			Checksum:   checksum,
			Data:       data,
		})
	}

	dec := NewDecoder()
	require.True(t, dec.ReceivePart(frame(1, message[:10])))
	require.False(t, dec.ReceivePart(frame(5, make([]byte, 9))))
	require.InDelta(t, 1.0/3, dec.EstimatedPercentComplete(), 1e-9)

	require.True(t, dec.ReceivePart(frame(2, message[10:20])))
	require.True(t, dec.ReceivePart(frame(3, message[20:])))
	got, err := dec.Result()
	require.NoError(t, err)
	require.Equal(t, message, got)
}

func TestWrapPSBT(t *testing.T) {
	psbt := []byte("psbt\xff\x01\x02")

	message, err := WrapPSBT(psbt)
	require.NoError(t, err)
	require.Equal(t, byte(0x47), message[0])

	got, err := UnwrapPSBT(message)
	require.NoError(t, err)
	require.Equal(t, psbt, got)

	notBytes, err := cbor.Marshal(42)
	require.NoError(t, err)
	_, err = UnwrapPSBT(notBytes)
	require.Error(t, err)
}
