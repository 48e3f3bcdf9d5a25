package support

import "time"

const dayLabelLayout = "January 02, 2006"

type DayGroup struct {
	Day      time.Time
	Label    string
	Messages []Message
}

// GroupByDay splits seq into buckets by the local calendar day of each
// message. Buckets follow sequence order; a new bucket starts whenever
// the day changes, so arrival order is never rearranged.
func GroupByDay(seq []Message, now time.Time, loc *time.Location) []DayGroup {
	if loc == nil {
		loc = time.Local
	}
	var groups []DayGroup
	for _, msg := range seq {
		day := startOfDay(msg.CreatedAt, loc)
		if n := len(groups); n > 0 && groups[n-1].Day.Equal(day) {
			groups[n-1].Messages = append(groups[n-1].Messages, msg)
			continue
		}
		groups = append(groups, DayGroup{
			Day:      day,
			Label:    DayLabel(day, now, loc),
			Messages: []Message{msg},
		})
	}
	return groups
}

// DayLabel renders "Today", "Yesterday" or the full date of day relative
// to now.
func DayLabel(day, now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	day = startOfDay(day, loc)
	today := startOfDay(now, loc)
	switch {
	case day.Equal(today):
		return "Today"
	case day.Equal(today.AddDate(0, 0, -1)):
		return "Yesterday"
	}
	return day.Format(dayLabelLayout)
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
