package interval

import "time"

const dateLayout = "2006-01-02"

// DateMinusOne returns the ISO date one day before d. Non-date values,
// including "infinity", are returned unchanged. Used to derive an inclusive
// valid_to from an exclusive valid_until.
func DateMinusOne(d string) string {
	t, err := time.Parse(dateLayout, d)
	if err != nil {
		return d
	}
	return t.AddDate(0, 0, -1).Format(dateLayout)
}
