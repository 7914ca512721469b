// Package bytesize parses and formats byte counts such as disk capacity and
// free-space thresholds.
package bytesize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Binary byte units.
const (
	B  int64 = 1
	KB int64 = 1024
	MB int64 = 1024 * KB
	GB int64 = 1024 * MB
	TB int64 = 1024 * GB
)

var sizePattern = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*([a-zA-Z]*)\s*$`)

// multipliers maps an upper-cased unit suffix to its byte multiplier.
// "Gi"-style suffixes are accepted for people used to Kubernetes quantities.
var multipliers = map[string]int64{
	"": B, "B": B,
	"K": KB, "KB": KB, "KI": KB, "KIB": KB,
	"M": MB, "MB": MB, "MI": MB, "MIB": MB,
	"G": GB, "GB": GB, "GI": GB, "GIB": GB,
	"T": TB, "TB": TB, "TI": TB, "TIB": TB,
}

// Parse converts a string like "512", "100MB" or "1.5 GiB" into bytes.
func Parse(s string) (int64, error) {
	if strings.TrimSpace(s) == "" {
		return 0, fmt.Errorf("empty size string")
	}

	m := sizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid size format: %q", s)
	}

	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number: %q", m[1])
	}

	mult, ok := multipliers[strings.ToUpper(m[2])]
	if !ok {
		return 0, fmt.Errorf("unknown unit: %q", m[2])
	}
	return int64(value * float64(mult)), nil
}

// Format renders a byte count with two decimals in the largest fitting unit.
func Format(n int64) string {
	sign := ""
	if n < 0 {
		sign = "-"
		n = -n
	}
	for _, u := range []struct {
		size int64
		name string
	}{{TB, "TB"}, {GB, "GB"}, {MB, "MB"}, {KB, "KB"}} {
		if n >= u.size {
			return fmt.Sprintf("%s%.2f %s", sign, float64(n)/float64(u.size), u.name)
		}
	}
	return fmt.Sprintf("%s%d B", sign, n)
}

// Size is a byte count configured in YAML either as a plain integer or as a
// string with a unit ("2GB", "500Mi").
type Size int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", node.Line)
	}
	if n, err := strconv.ParseInt(node.Value, 10, 64); err == nil {
		*s = Size(n)
		return nil
	}
	n, err := Parse(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid size %q: %w", node.Line, node.Value, err)
	}
	*s = Size(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (s Size) MarshalYAML() (interface{}, error) {
	return int64(s), nil
}

// Bytes returns the size in bytes.
func (s Size) Bytes() int64 { return int64(s) }

func (s Size) String() string { return Format(int64(s)) }
