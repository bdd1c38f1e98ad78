package models

import (
	"encoding/json"
	"math"
	"time"
)

// Time is a JSON encoded unix timestamp.
type Time int64

// AsTime returns the time as UTC so its string value doesn't depend on the local time zone.
func (t *Time) AsTime() time.Time {
	return time.Unix(int64(*t), 0).UTC()
}

// IsZero returns true when the timestamp was never set.
func (t Time) IsZero() bool {
	return t == 0
}

// ToTime converts a time.Time to a models.Time.
func ToTime(v time.Time) Time {
	return Time(v.Unix())
}

// Now returns the current time as a models.Time.
func Now() Time {
	return ToTime(time.Now())
}

// UnmarshalJSON decodes JSON numbers as unix timestamps, converting float64 to int64 by rounding.
func (t *Time) UnmarshalJSON(b []byte) error {
	var i int64
	if err := json.Unmarshal(b, &i); err == nil {
		*t = Time(i)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*t = Time(int64(math.Round(f)))
	return nil
}
