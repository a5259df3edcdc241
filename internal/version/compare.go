package version

import (
	"strconv"
	"strings"
)

// Compare orders two dotted numeric versions component by component.
// Missing trailing components count as 0, so "1.2" == "1.2.0".
// It returns -1, 0 or 1.
func Compare(a, b string) int {
	pa, pb := components(a), components(b)
	for i := range max(len(pa), len(pb)) {
		var x, y int
		if i < len(pa) {
			x = pa[i]
		}
		if i < len(pb) {
			y = pb[i]
		}
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	}
	return 0
}

func components(v string) []int {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			n = 0
		}
		out[i] = n
	}
	return out
}

// Valid reports whether v is one or more dot-separated non-negative integers.
func Valid(v string) bool {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if v == "" {
		return false
	}
	for _, p := range strings.Split(v, ".") {
		if n, err := strconv.Atoi(p); err != nil || n < 0 || strings.HasPrefix(p, "+") {
			return false
		}
	}
	return true
}
