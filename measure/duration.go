package measure

// This file contains parsing of `time`-style duration strings as printed by
// bash's time keyword ("real	0m4.523s") and by tools reporting
// "done in 1m2.5s".

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrMalformedDuration is returned for duration strings not of the form <m>m<s>s.
var ErrMalformedDuration = errors.New("malformed duration")

// Seconds are plain decimals; ParseFloat alone would accept NaN, Inf and hex.
var decimalSeconds = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// ParseDuration converts "<minutes>m<seconds>s" into seconds.
func ParseDuration(s string) (float64, error) {
	s = strings.TrimSpace(s)
	idx := strings.Index(s, "m")
	if idx <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrMalformedDuration, s)
	}

	minutes, err := strconv.Atoi(s[:idx])
	if err != nil || minutes < 0 {
		return 0, fmt.Errorf("%w: invalid minutes in %q", ErrMalformedDuration, s)
	}

	secStr := strings.TrimSuffix(s[idx+1:], "s")
	if !decimalSeconds.MatchString(secStr) {
		return 0, fmt.Errorf("%w: invalid seconds in %q", ErrMalformedDuration, s)
	}
	seconds, err := strconv.ParseFloat(secStr, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid seconds in %q", ErrMalformedDuration, s)
	}

	return float64(minutes)*60 + seconds, nil
}

// ParseDurationOutput extracts every duration reported in a tool's output.
// Lines starting with real, user or sys produce "<name>_seconds" fields and a
// "done in <duration>" phrase produces "elapsed_seconds".
func ParseDurationOutput(output string) (map[string]any, error) {
	fields := make(map[string]any)

	for _, line := range strings.Split(output, "\n") {
		parts := strings.Fields(line)
		if len(parts) >= 2 {
			switch parts[0] {
			case "real", "user", "sys":
				seconds, err := ParseDuration(parts[1])
				if err != nil {
					return nil, err
				}
				fields[parts[0]+"_seconds"] = seconds
				continue
			}
		}

		if idx := strings.Index(line, "done in "); idx >= 0 {
			rest := strings.Fields(line[idx+len("done in "):])
			if len(rest) == 0 {
				return nil, fmt.Errorf("%w: missing value after %q", ErrMalformedDuration, "done in")
			}
			seconds, err := ParseDuration(strings.TrimRight(rest[0], ".,;"))
			if err != nil {
				return nil, err
			}
			fields["elapsed_seconds"] = seconds
		}
	}

	if len(fields) == 0 {
		return nil, fmt.Errorf("no duration found in tool output")
	}
	return fields, nil
}
