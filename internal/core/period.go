package core

import "time"

// BillingPeriod is the concrete window an invoice bills for, plus its due
// date. Start and End are inclusive calendar days at midnight UTC.
type BillingPeriod struct {
	Start time.Time
	End   time.Time
	Due   time.Time
}

// CalcPeriod maps a frequency, due day and reference date to a billing period.
//
//   - monthly: the reference month; due on min(dueDay, days in month).
//   - quarterly: the reference quarter; due on min(dueDay, 28) of the
//     quarter's first month.
//   - annual: the reference year; due on min(dueDay, 31) in January.
//   - one_time: start = end = reference day; due 30 days later.
//
// An unrecognized frequency is an explicit error; there is no fallback
// period, the caller must not guess.
func CalcPeriod(freq Frequency, dueDay int, ref time.Time) (BillingPeriod, error) {
	if dueDay < 1 || dueDay > 31 {
		return BillingPeriod{}, ErrInvalidDueDay
	}
	ref = ref.UTC()
	year, month, day := ref.Date()

	switch freq {
	case Monthly:
		start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
		end := start.AddDate(0, 1, -1)
		return BillingPeriod{
			Start: start,
			End:   end,
			Due:   time.Date(year, month, clampDay(dueDay, daysInMonth(year, month)), 0, 0, 0, 0, time.UTC),
		}, nil

	case Quarterly:
		firstMonth := time.Month((int(month)-1)/3*3 + 1)
		start := time.Date(year, firstMonth, 1, 0, 0, 0, 0, time.UTC)
		end := start.AddDate(0, 3, -1)
		return BillingPeriod{
			Start: start,
			End:   end,
			Due:   time.Date(year, firstMonth, clampDay(dueDay, 28), 0, 0, 0, 0, time.UTC),
		}, nil

	case Annual:
		return BillingPeriod{
			Start: time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(year, time.December, 31, 0, 0, 0, 0, time.UTC),
			Due:   time.Date(year, time.January, clampDay(dueDay, 31), 0, 0, 0, 0, time.UTC),
		}, nil

	case OneTime:
		d := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
		return BillingPeriod{Start: d, End: d, Due: d.AddDate(0, 0, 30)}, nil
	}

	return BillingPeriod{}, ErrInvalidFrequency
}

func clampDay(day, max int) int {
	if day > max {
		return max
	}
	return day
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
