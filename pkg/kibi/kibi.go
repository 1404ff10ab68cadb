// Package kibi formats and parses byte sizes with binary (1024) multipliers.
package kibi

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidByteSizeString = errors.New("Invalid byte size string")

var units = []string{"KB", "MB", "GB", "TB", "PB"}

// FormatBytes rounds down to the largest whole unit, eg "35 MB"
func FormatBytes(b int64) string {
	if b < 1024 {
		return fmt.Sprintf("%v bytes", b)
	}
	unit := -1
	for b >= 1024 && unit < len(units)-1 {
		b /= 1024
		unit++
	}
	return fmt.Sprintf("%v %v", b, units[unit])
}

// ParseBytes accepts suffixes 'kb', 'mb', 'gb', etc, or just the letter, eg 'm'.
// Case is ignored. A bare number, or the suffix "bytes", is a byte count.
// Examples:
// 123 m -> 123*1024*1024
// 123 GB -> 123*1024*1024*1024
func ParseBytes(v string) (int64, error) {
	v = strings.TrimSpace(strings.ToLower(v))
	end := 0
	for end < len(v) && v[end] >= '0' && v[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, ErrInvalidByteSizeString
	}
	value, err := strconv.ParseInt(v[:end], 10, 64)
	if err != nil {
		return 0, err
	}
	suffix := strings.TrimSpace(v[end:])
	if suffix == "" || suffix == "bytes" {
		return value, nil
	}
	multiplier := int64(1)
	for _, u := range units {
		multiplier *= 1024
		lower := strings.ToLower(u)
		if suffix == lower || suffix == lower[:1] {
			return value * multiplier, nil
		}
	}
	return 0, ErrInvalidByteSizeString
}
