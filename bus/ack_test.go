package bus

import "testing"

// TestAckMaskTable checks the exact table from spec.md §8 scenario 6.
func TestAckMaskTable(t *testing.T) {
	cases := []struct {
		w        int
		b        uint8
		ack, nack uint8
	}{
		{3, 1, 2, 4},
		{3, 3, 1, 4},
		{3, 0, 1, 2},
	}
	for _, c := range cases {
		ack, nack := ackMasks(c.w, c.b)
		if ack != c.ack || nack != c.nack {
			t.Fatalf("ackMasks(w=%d,b=%d) = (%d,%d), want (%d,%d)", c.w, c.b, ack, nack, c.ack, c.nack)
		}
	}
}

func TestAckMasksDisjoint(t *testing.T) {
	for w := 2; w <= 5; w++ {
		for b := uint8(0); b < uint8(1<<uint(w)); b++ {
			ack, nack := ackMasks(w, b)
			if ack == 0 {
				t.Fatalf("ack_mask must never be zero (w=%d,b=%d)", w, b)
			}
			if nack != 0 && ack == nack {
				t.Fatalf("ack_mask == nack_mask for w=%d b=%d", w, b)
			}
		}
	}
}
