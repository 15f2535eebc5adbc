package schedule

import "sort"

// RetentionDays is how far back periodic and single-date runs still accept schedules.
// Anything older is a lineograph and must never resurrect a past date.
const RetentionDays = 7

// FilterStale drops updates without a usable date and, outside bootstrap, updates dated
// before today minus RetentionDays. The input order is preserved.
func FilterStale(updates []RawUpdate, mode Mode, today Date) []RawUpdate {
	cutoff := today.AddDays(-RetentionDays)
	kept := make([]RawUpdate, 0, len(updates))
	for _, update := range updates {
		date, err := ParseDate(update.Schedule.Date)
		if err != nil {
			continue
		}
		if mode != ModeBootstrap && date.Before(cutoff) {
			continue
		}
		kept = append(kept, update)
	}
	return kept
}

// KeepDate returns the updates scheduled for exactly the requested date.
func KeepDate(updates []RawUpdate, date Date) []RawUpdate {
	kept := make([]RawUpdate, 0, len(updates))
	for _, update := range updates {
		updateDate, err := ParseDate(update.Schedule.Date)
		if err != nil || updateDate != date {
			continue
		}
		kept = append(kept, update)
	}
	return kept
}

// GroupByDate partitions updates by schedule date, keeping their relative order.
// Updates without a parseable date are skipped.
func GroupByDate(updates []RawUpdate) map[Date][]RawUpdate {
	groups := make(map[Date][]RawUpdate)
	for _, update := range updates {
		date, err := ParseDate(update.Schedule.Date)
		if err != nil {
			continue
		}
		groups[date] = append(groups[date], update)
	}
	return groups
}

// SortedDates returns the group keys in ascending order.
func SortedDates(groups map[Date][]RawUpdate) []Date {
	dates := make([]Date, 0, len(groups))
	for date := range groups {
		dates = append(dates, date)
	}
	sort.Slice(dates, func(i, j int) bool {
		return dates[i].Before(dates[j])
	})
	return dates
}
