package policy

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a window length written as a Go duration string ("60s", "1m")
// or as an integer number of milliseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var ms int64
	if err := value.Decode(&ms); err == nil {
		if ms < 0 {
			return fmt.Errorf("negative duration is not allowed: %d", ms)
		}
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("invalid duration: %v", value.Value)
	}
	dur, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

func (d Duration) String() string { return time.Duration(d).String() }

// Rate is the compact "N/unit" form of a tier, e.g. "30/m" is 30 requests
// per one minute window. Units are s, m and h.
type Rate struct {
	Count  int
	Window time.Duration
}

func (r *Rate) UnmarshalYAML(value *yaml.Node) error {
	var text string
	if err := value.Decode(&text); err != nil {
		return err
	}
	return r.parse(text)
}

func (r *Rate) parse(text string) error {
	if text == "" {
		*r = Rate{}
		return nil
	}
	bad := fmt.Errorf("incorrect format for rate %q, should be N/(s|m|h), for example 10/s, 30/m", text)
	count, unit, ok := strings.Cut(text, "/")
	if !ok {
		return bad
	}
	n, err := strconv.Atoi(strings.TrimSpace(count))
	if err != nil {
		return bad
	}
	var w time.Duration
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "s":
		w = time.Second
	case "m":
		w = time.Minute
	case "h":
		w = time.Hour
	default:
		return bad
	}
	*r = Rate{Count: n, Window: w}
	return nil
}

func (r Rate) String() string {
	if r.Count == 0 && r.Window == 0 {
		return ""
	}
	unit := map[time.Duration]string{time.Second: "s", time.Minute: "m", time.Hour: "h"}[r.Window]
	return fmt.Sprintf("%d/%s", r.Count, unit)
}
