package run

import (
	"encoding/json"
	"math/rand/v2"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/teranos/engage/errors"
)

// Duration is a time.Duration that reads and writes as "45s" in JSON and YAML.
// Bare numbers are accepted as seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return errors.Wrapf(err, "invalid duration %q", val)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(val * float64(time.Second)))
	case int:
		*d = Duration(time.Duration(val) * time.Second)
	case nil:
		*d = 0
	default:
		return errors.Newf("invalid duration %v", v)
	}
	return nil
}

// Range is a randomized delay between Min and Max inclusive.
type Range struct {
	Min Duration `json:"min" yaml:"min"`
	Max Duration `json:"max" yaml:"max"`
}

// IsZero reports an unset range.
func (r Range) IsZero() bool { return r.Min == 0 && r.Max == 0 }

// Pick returns a uniformly random duration in the range. Max below Min is treated as Min.
func (r Range) Pick() time.Duration {
	lo, hi := r.Min.Std(), r.Max.Std()
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}

// Fixed returns a range that always picks d.
func Fixed(d time.Duration) Range {
	return Range{Min: Duration(d), Max: Duration(d)}
}
