package seqnum

import "testing"

func TestGreaterAntisymmetric(t *testing.T) {
	cases := []struct{ a, b Sequence }{
		{1, 0},
		{100, 50},
		{0, 65535},    // wrap: 0 is "ahead" of 65535
		{30000, 100},  // within window, a ahead
		{100, 30000},  // within window, b ahead
	}
	for _, c := range cases {
		gt := Greater(c.a, c.b)
		ltReverse := Greater(c.b, c.a)
		if c.a == c.b {
			continue
		}
		if gt == ltReverse {
			t.Fatalf("Greater(%d,%d)=%v and Greater(%d,%d)=%v must disagree", c.a, c.b, gt, c.b, c.a, ltReverse)
		}
	}
}

func TestLessIsGreaterReversed(t *testing.T) {
	if !Less(5, 10) {
		t.Fatal("Less(5,10) should be true")
	}
	if Less(10, 5) {
		t.Fatal("Less(10,5) should be false")
	}
}

func TestNextWrapsModulo65536(t *testing.T) {
	var s Sequence = 65535
	if s.Next() != 0 {
		t.Fatalf("65535.Next() = %d, want 0", s.Next())
	}
}

func TestSubWrapsBackward(t *testing.T) {
	var s Sequence = 5
	if s.Sub(10) != Sequence(65531) {
		t.Fatalf("5.Sub(10) = %d, want 65531", s.Sub(10))
	}
}

func TestOppositeIsHalfRingAway(t *testing.T) {
	var s Sequence = 40000
	want := Sequence(40000 - HalfWindow)
	if s.Opposite() != want {
		t.Fatalf("Opposite() = %d, want %d", s.Opposite(), want)
	}
}
