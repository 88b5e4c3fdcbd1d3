package pattern

import (
	"bytes"
	"testing"
	"time"
)

var testTime = time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)

func snapshot(g *Generator, ts time.Time) []byte {
	out := g.Next(ts)
	cp := make([]byte, len(out))
	copy(cp, out)
	return cp
}

func TestFrameLength(t *testing.T) {
	for _, kind := range []Kind{Bars, Gradient, Grid} {
		g, err := NewGenerator(kind, 320, 180, "test")
		if err != nil {
			t.Fatalf("%s: %v", kind, err)
		}
		if got := len(g.Next(testTime)); got != 320*180*4 {
			t.Errorf("%s: frame length = %d, want %d", kind, got, 320*180*4)
		}
	}
}

func TestBarsColumns(t *testing.T) {
	g, err := NewGenerator(Bars, 640, 360, "test")
	if err != nil {
		t.Fatal(err)
	}
	pix := g.Next(testTime)

	// Sample mid-height to stay clear of the stamp box.
	at := func(x, y int) (r, g, b uint8) {
		o := (y*640 + x) * 4
		return pix[o], pix[o+1], pix[o+2]
	}
	if r, gr, b := at(40, 180); r != 235 || gr != 235 || b != 235 {
		t.Errorf("first column = %d,%d,%d, want white", r, gr, b)
	}
	if r, gr, b := at(600, 180); r != 16 || gr != 16 || b != 16 {
		t.Errorf("last column = %d,%d,%d, want black", r, gr, b)
	}
}

func TestGradientAnimates(t *testing.T) {
	g, err := NewGenerator(Gradient, 160, 90, "test")
	if err != nil {
		t.Fatal(err)
	}
	first := snapshot(g, testTime)
	second := snapshot(g, testTime)
	if bytes.Equal(first, second) {
		t.Error("consecutive gradient frames identical; pattern is not animating")
	}
}

func TestGridDeterministic(t *testing.T) {
	a, err := NewGenerator(Grid, 256, 128, "test")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := NewGenerator(Grid, 256, 128, "test")

	var fa, fb []byte
	for i := 0; i < 3; i++ {
		fa = snapshot(a, testTime)
		fb = snapshot(b, testTime)
	}
	if !bytes.Equal(fa, fb) {
		t.Error("same kind, size and tick produced different frames")
	}
}

func TestStampReflectsTime(t *testing.T) {
	g, err := NewGenerator(Bars, 320, 180, "test")
	if err != nil {
		t.Fatal(err)
	}
	// Bars are static; only the stamp moves between these frames.
	first := snapshot(g, testTime)
	second := snapshot(g, testTime.Add(time.Second))
	if bytes.Equal(first, second) {
		t.Error("stamp did not change with the timestamp")
	}
}

func TestOpaqueAlpha(t *testing.T) {
	g, err := NewGenerator(Gradient, 64, 64, "test")
	if err != nil {
		t.Fatal(err)
	}
	pix := g.Next(testTime)
	// Below the stamp everything must be fully opaque.
	for y := 32; y < 64; y++ {
		for x := 0; x < 64; x++ {
			if a := pix[(y*64+x)*4+3]; a != 255 {
				t.Fatalf("alpha at %d,%d = %d", x, y, a)
			}
		}
	}
}

func TestParseKind(t *testing.T) {
	for _, s := range []string{"bars", "gradient", "grid"} {
		if _, err := ParseKind(s); err != nil {
			t.Errorf("ParseKind(%q): %v", s, err)
		}
	}
	if _, err := ParseKind("plasma"); err == nil {
		t.Error("ParseKind accepted an unknown kind")
	}
}

func TestRejectsBadGeometry(t *testing.T) {
	if _, err := NewGenerator(Bars, 0, 180, "test"); err == nil {
		t.Error("zero width accepted")
	}
	if _, err := NewGenerator(Bars, 320, -1, "test"); err == nil {
		t.Error("negative height accepted")
	}
}
