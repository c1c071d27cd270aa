package http3

import "testing"

func TestGreaseValueShape(t *testing.T) {
	for i := 0; i < 256; i++ {
		g := greaseValue()
		if g >= 1<<62 {
			t.Fatalf("grease value %d exceeds 62-bit range", g)
		}
		if (g-0x21)%0x1f != 0 {
			t.Fatalf("grease value %d does not satisfy 0x1f*N+0x21", g)
		}
	}
}
