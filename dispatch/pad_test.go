package dispatch

import "testing"

func TestPadMessageSatisfiesBlockInvariant(t *testing.T) {
	lengths := []int{0, 1, 5, 158, 159, 160, 161, 319, 320, 321}
	for _, n := range lengths {
		m := make([]byte, n)
		for i := range m {
			m[i] = byte(i + 1) // wraps past 255, so longer messages also contain 0x80 and 0x00 bytes
		}

		padded := padMessage(m)

		if len(padded)%paddingBlock != paddingBlock-1 {
			t.Errorf("len=%d: padded length %d %% %d = %d, want %d", n, len(padded), paddingBlock, len(padded)%paddingBlock, paddingBlock-1)
		}
		if padded[n] != 0x80 {
			t.Errorf("len=%d: padded[%d] = 0x%02x, want 0x80", n, n, padded[n])
		}
		for i := n + 1; i < len(padded); i++ {
			if padded[i] != 0x00 {
				t.Fatalf("len=%d: byte %d after terminator is 0x%02x, want 0x00", n, i, padded[i])
			}
		}
	}
}

func TestUnpadMessageRoundTrip(t *testing.T) {
	lengths := []int{0, 1, 158, 159, 160, 161, 500}
	for _, n := range lengths {
		m := make([]byte, n)
		for i := range m {
			m[i] = byte(i + 1)
		}

		got := unpadMessage(padMessage(m))
		if len(got) != len(m) {
			t.Fatalf("len=%d: unpadded length = %d, want %d", n, len(got), n)
		}
		for i := range m {
			if got[i] != m[i] {
				t.Fatalf("len=%d: byte %d = 0x%02x, want 0x%02x", n, i, got[i], m[i])
			}
		}
	}
}
