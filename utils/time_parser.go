package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var dayUnits = map[byte]time.Duration{
	'd': 24 * time.Hour,
	'w': 7 * 24 * time.Hour,
}

// ParseDuration extends time.ParseDuration with days (d) and weeks (w).
// A leading day or week part may be combined with the usual units, as in
// "1d12h". "permanent" and the empty string mean zero.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" || s == "0" || s == "permanent" {
		return 0, nil
	}

	var total time.Duration
	for {
		i := 0
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
		}
		if i == 0 || i == len(s) {
			break
		}
		unit, ok := dayUnits[s[i]]
		if !ok {
			break
		}
		n, err := strconv.Atoi(s[:i])
		if err != nil {
			return 0, fmt.Errorf("invalid day value: %s", s[:i])
		}
		total += time.Duration(n) * unit
		s = s[i+1:]
	}
	if s == "" {
		return total, nil
	}

	rest, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return total + rest, nil
}
