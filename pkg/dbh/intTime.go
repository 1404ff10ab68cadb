package dbh

import (
	"database/sql/driver"
	"time"
)

// IntTime is time in unix milliseconds, stored as an INT column.
// It marshals to JSON as a plain number, so a browser can do "new Date(x)".
// The zero value is stored as NULL, so 1970-01-01 00:00:00.000 cannot be represented.
type IntTime int64

// Return a new IntTime from a time.Time
func MakeIntTime(v time.Time) IntTime {
	if v.IsZero() {
		return 0
	}
	return IntTime(v.UnixMilli())
}

// Return a new IntTime from unix milliseconds
func MakeIntTimeMilli(unixMilli int64) IntTime {
	return IntTime(unixMilli)
}

func (t IntTime) IsZero() bool {
	return t == 0
}

// Set IntTime to time.Time
func (t *IntTime) Set(v time.Time) {
	if v.IsZero() {
		*t = 0
	} else {
		*t = IntTime(v.UnixMilli())
	}
}

// Get time.Time
func (t IntTime) Get() time.Time {
	if t == 0 {
		return time.Time{}
	} else {
		return time.UnixMilli(int64(t)).UTC()
	}
}

func (i *IntTime) Scan(src any) error {
	if src == nil {
		*i = 0
		return nil
	}
	if srcInt, ok := src.(int32); ok {
		*i = IntTime(srcInt)
	} else if srcInt64, ok := src.(int64); ok {
		*i = IntTime(srcInt64)
	}
	return nil
}

func (i IntTime) Value() (driver.Value, error) {
	if i == 0 {
		return nil, nil
	} else {
		return int64(i), nil
	}
}
