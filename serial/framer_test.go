package serial

import (
	"bytes"
	"testing"

	"moatbus/crc"
)

// TestRoundTripScenario exercises spec.md §8 scenario 4: a known-good
// stream reserializes byte-for-byte.
func TestRoundTripScenario(t *testing.T) {
	payload := []byte{0xde, 0xad, 0xbe, 0xef, 0x00}
	c := crc.Serial16(payload)
	input := append([]byte{0x01, byte(len(payload))}, payload...)
	input = append(input, byte(c>>8), byte(c))

	f := NewFramer(64, 1000)
	msgs := f.Feed(input)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 parsed message, got %d", len(msgs))
	}
	if !bytes.Equal(msgs[0].Bytes(), payload) {
		t.Fatalf("payload mismatch: got %x want %x", msgs[0].Bytes(), payload)
	}
	if msgs[0].Prio != 1 {
		t.Fatalf("expected priority 1, got %d", msgs[0].Prio)
	}

	out := NewFramer(64, 1000)
	if err := out.Enqueue(1, payload); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	got, ok := out.Next(nil)
	if !ok {
		t.Fatalf("expected a serialized frame")
	}
	if !bytes.Equal(got, input) {
		t.Fatalf("reserialized bytes differ: got %x want %x", got, input)
	}
}

// TestIdleRecoveryScenario exercises spec.md §8 scenario 5: a partial
// in-bound frame followed by silence past the idle timeout is discarded,
// and the next well-formed message parses normally afterward.
func TestIdleRecoveryScenario(t *testing.T) {
	f := NewFramer(64, 100)

	partial := []byte{0x02, 0x03, 0xaa, 0xbb}
	if msgs := f.Feed(partial); len(msgs) != 0 {
		t.Fatalf("partial frame should not parse yet")
	}

	f.Tick(150)
	if f.Stats.Lost != 1 {
		t.Fatalf("expected Stats.Lost == 1 after idle timeout, got %d", f.Stats.Lost)
	}

	payload := []byte{0x01, 0x02, 0x03}
	c := crc.Serial16(payload)
	good := append([]byte{0x02, byte(len(payload))}, payload...)
	good = append(good, byte(c>>8), byte(c))

	msgs := f.Feed(good)
	if len(msgs) != 1 {
		t.Fatalf("expected the next message to parse normally, got %d messages", len(msgs))
	}
	if !bytes.Equal(msgs[0].Bytes(), payload) {
		t.Fatalf("payload mismatch after recovery: got %x want %x", msgs[0].Bytes(), payload)
	}
}

func TestAckByteCounters(t *testing.T) {
	f := NewFramer(64, 1000)
	f.Feed([]byte{AckByte, AckByte})
	if f.Stats.AckIn != 2 {
		t.Fatalf("expected AckIn == 2, got %d", f.Stats.AckIn)
	}

	f.EnqueueAck()
	data, ok := f.Next(nil)
	if !ok || len(data) != 1 || data[0] != AckByte {
		t.Fatalf("expected a single ACK byte out, got %x ok=%v", data, ok)
	}
	if f.Stats.AckOut != 1 {
		t.Fatalf("expected AckOut == 1, got %d", f.Stats.AckOut)
	}
}

func TestCRCMismatchDiscardsMessage(t *testing.T) {
	payload := []byte{0x01, 0x02}
	input := []byte{0x01, byte(len(payload)), payload[0], payload[1], 0xff, 0xff}

	f := NewFramer(64, 1000)
	msgs := f.Feed(input)
	if len(msgs) != 0 {
		t.Fatalf("expected no parsed messages on CRC mismatch, got %d", len(msgs))
	}
	if f.Stats.ErrCRC != 1 {
		t.Fatalf("expected Stats.ErrCRC == 1, got %d", f.Stats.ErrCRC)
	}
}
