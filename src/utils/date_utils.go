package utils

import "time"

// ISODateFormat is the wire format for all transaction and window dates.
const ISODateFormat = "2006-01-02"

// FormatISODate renders a time as YYYY-MM-DD in UTC.
func FormatISODate(t time.Time) string {
	return t.UTC().Format(ISODateFormat)
}
