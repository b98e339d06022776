// Package bytesize parses and formats byte sizes such as "10Gi" or "512MB".
package bytesize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Binary byte size units.
const (
	B  int64 = 1
	KB int64 = 1024
	MB int64 = 1024 * KB
	GB int64 = 1024 * MB
	TB int64 = 1024 * GB
)

// sizePattern matches size strings like "100MB", "1.5 GB", "1024"
var sizePattern = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*([a-zA-Z]*)\s*$`)

// Parse parses a byte size string like "100MB", "1.5GB", "10Gi" or "1024"
// into bytes. Units are binary and case-insensitive; no unit means bytes.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	matches := sizePattern.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("invalid size format: %q", s)
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number: %q", matches[1])
	}

	var multiplier int64
	switch strings.ToUpper(matches[2]) {
	case "", "B":
		multiplier = B
	case "KB", "K", "KI", "KIB":
		multiplier = KB
	case "MB", "M", "MI", "MIB":
		multiplier = MB
	case "GB", "G", "GI", "GIB":
		multiplier = GB
	case "TB", "T", "TI", "TIB":
		multiplier = TB
	default:
		return 0, fmt.Errorf("unknown unit: %q", matches[2])
	}

	return int64(value * float64(multiplier)), nil
}

// Format formats a byte count into a human-readable string.
func Format(bytes int64) string {
	units := []struct {
		threshold int64
		unit      string
	}{
		{TB, "TB"},
		{GB, "GB"},
		{MB, "MB"},
		{KB, "KB"},
	}

	for _, u := range units {
		if bytes >= u.threshold {
			return fmt.Sprintf("%.2f %s", float64(bytes)/float64(u.threshold), u.unit)
		}
	}

	return fmt.Sprintf("%d B", bytes)
}

// Size is a byte count that unmarshals from YAML as either a plain number
// of bytes or a string with units.
type Size int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a number or a string with units (e.g. 10Gi, 500MB)", node.Line)
	}
	bytes, err := Parse(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid size %q: %w", node.Line, node.Value, err)
	}
	*s = Size(bytes)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (s Size) MarshalYAML() (any, error) {
	return int64(s), nil
}

// Bytes returns the size in bytes.
func (s Size) Bytes() int64 {
	return int64(s)
}

// String returns a human-readable representation.
func (s Size) String() string {
	return Format(int64(s))
}
