package utils

import "testing"

func TestAtoiDefault(t *testing.T) {
	cases := []struct {
		s    string
		def  int
		want int
	}{
		{"", 10, 10},
		{"   ", 10, 10},
		{"42", 0, 42},
		{" 42\t", 7, 42},
		{"-13", 1, -13},
		{"0012", 99, 12},
		{"x", 5, 5},
		{"4 2", 5, 5},
		{"999999999999999999999999", -1, -1},
	}

	for _, tc := range cases {
		if got := AtoiDefault(tc.s, tc.def); got != tc.want {
			t.Fatalf("AtoiDefault(%q, %d) = %d; want %d", tc.s, tc.def, got, tc.want)
		}
	}
}

func TestClamp(t *testing.T) {
	cases := []struct {
		v, lo, hi, want int
	}{
		{5, 1, 10, 5},
		{0, 1, 10, 1},
		{11, 1, 10, 10},
		{-3, 0, 100, 0},
		{500, 0, -1, 500}, // no upper bound
		{-1, 0, -1, 0},
	}
	for _, tc := range cases {
		if got := Clamp(tc.v, tc.lo, tc.hi); got != tc.want {
			t.Fatalf("Clamp(%d, %d, %d) = %d; want %d", tc.v, tc.lo, tc.hi, got, tc.want)
		}
	}
}
