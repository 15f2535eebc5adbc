package schedule

// ShouldNotify decides whether a committed content change for date is pushed to consumers.
// A schedule first appearing for today is assumed visible already; past dates never notify.
func ShouldNotify(date, today Date, changeType ChangeType) bool {
	switch {
	case date == today:
		return changeType == ChangeTypeUpdated
	case date.After(today):
		return changeType == ChangeTypeNew || changeType == ChangeTypeUpdated
	default:
		return false
	}
}

// IsNearTerm reports whether date is today or tomorrow, the window that drives
// per-interval reminders.
func IsNearTerm(date, today Date) bool {
	return date == today || date == today.AddDays(1)
}
