package clock

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDropTime turns a user supplied drop time into a zone-neutral instant.
// Accepted forms:
//   - RFC3339 ("2025-05-28T16:00:00+03:00"), zone taken from the string
//   - "2025-05-28 16:00" and "2025-05-28 16:00:05", read in loc
//   - unix epoch in seconds or milliseconds
func ParseDropTime(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("empty drop time")
	}
	if loc == nil {
		loc = time.Local
	}

	if epoch, err := strconv.ParseInt(value, 10, 64); err == nil {
		// Anything past year 2286 in seconds is a millisecond stamp.
		if epoch > 9_999_999_999 {
			return time.UnixMilli(epoch).UTC(), nil
		}
		return time.Unix(epoch, 0).UTC(), nil
	}

	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}

	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("invalid drop time %q: use YYYY-MM-DD HH:MM[:SS] (local time), RFC3339 or a unix timestamp", value)
}
