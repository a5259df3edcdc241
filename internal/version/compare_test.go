package version

import "testing"

func TestCompare(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1.2.0", "1.10.0", -1},
		{"1.10.0", "1.2.0", 1},
		{"1.0.0", "1.0.0", 0},
		{"1.2", "1.2.0", 0},
		{"1.2.1", "1.2", 1},
		{"2", "1.99.99", 1},
		{"v1.3.0", "1.3.0", 0},
		{"0.0.9", "0.1.0", -1},
	}
	for _, c := range cases {
		if got := Compare(c.a, c.b); got != c.want {
			t.Errorf("Compare(%q, %q) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestValid(t *testing.T) {
	for v, want := range map[string]bool{
		"1.2.3":  true,
		"10":     true,
		"v2.0.1": true,
		"":       false,
		"1..2":   false,
		"1.a.0":  false,
		"1.-1":   false,
		"1.+2":   false,
	} {
		if got := Valid(v); got != want {
			t.Errorf("Valid(%q) = %v, want %v", v, got, want)
		}
	}
}
