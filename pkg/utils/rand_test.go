package utils

import "testing"

func TestRandSourceDeterministic(t *testing.T) {
	a := NewRandSource(42)
	b := NewRandSource(42)

	for i := 0; i < 100; i++ {
		if a.Float64() != b.Float64() {
			t.Fatalf("same seed diverged at draw %d", i)
		}
	}
}

func TestUniformFloat64Range(t *testing.T) {
	r := NewRandSource(7)
	for i := 0; i < 1000; i++ {
		v := r.UniformFloat64(2, 12)
		if v < 2 || v >= 12 {
			t.Fatalf("UniformFloat64(2, 12) = %v out of range", v)
		}
	}
}
