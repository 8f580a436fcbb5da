package health

import (
	"fmt"
	"strconv"
	"strings"
)

// StatusRange represents a range of HTTP status codes.
type StatusRange struct {
	Lo, Hi int
}

// ParseStatusRange parses a status range string like "200", "2xx", "200-299".
func ParseStatusRange(s string) (StatusRange, error) {
	s = strings.TrimSpace(s)
	// Pattern: Nxx (e.g. "4xx", "5xx")
	if len(s) == 3 && s[1] == 'x' && s[2] == 'x' {
		base := int(s[0]-'0') * 100
		if base < 100 || base > 500 {
			return StatusRange{}, fmt.Errorf("invalid status range %q", s)
		}
		return StatusRange{base, base + 99}, nil
	}
	// Pattern: N-M (e.g. "200-299")
	if parts := strings.SplitN(s, "-", 2); len(parts) == 2 {
		lo, err1 := strconv.Atoi(parts[0])
		hi, err2 := strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil || lo < 100 || hi > 599 || lo > hi {
			return StatusRange{}, fmt.Errorf("invalid status range %q", s)
		}
		return StatusRange{lo, hi}, nil
	}
	// Pattern: single code (e.g. "200")
	code, err := strconv.Atoi(s)
	if err != nil || code < 100 || code > 599 {
		return StatusRange{}, fmt.Errorf("invalid status code %q", s)
	}
	return StatusRange{code, code}, nil
}

// ParseStatusRanges parses a list of range strings. An empty list yields
// the default healthy range 200-399.
func ParseStatusRanges(specs []string) ([]StatusRange, error) {
	if len(specs) == 0 {
		return []StatusRange{{200, 399}}, nil
	}
	out := make([]StatusRange, 0, len(specs))
	for _, s := range specs {
		r, err := ParseStatusRange(s)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// matchStatus checks if a status code falls within any of the given ranges.
func matchStatus(code int, ranges []StatusRange) bool {
	for _, r := range ranges {
		if code >= r.Lo && code <= r.Hi {
			return true
		}
	}
	return false
}
