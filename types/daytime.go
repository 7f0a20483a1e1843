package types

import "time"

// DateTime wraps a time.Time struct, allowing for improved dateTime JSON compatibility.
type DateTime struct {
	time.Time
}

// NewDateTime Creates a new DateTime struct, embedding a time.Time struct.
func NewDateTime(time time.Time) *DateTime {
	return &DateTime{Time: time}
}

// Now returns the current moment as a DateTime, truncated to seconds as
// charge points expect.
func Now() *DateTime {
	return &DateTime{Time: time.Now().UTC().Truncate(time.Second)}
}
