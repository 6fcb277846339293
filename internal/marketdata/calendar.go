package marketdata

import (
	"time"
)

// SessionCalendar answers when the market next closes: today's close if it
// is still ahead, otherwise the next trading day's. Weekends are skipped;
// exchange holidays are a quote-service concern and not modelled here.
type SessionCalendar struct {
	closeHour   int
	closeMinute int
	loc         *time.Location
}

func NewSessionCalendar(closeHour, closeMinute int, loc *time.Location) *SessionCalendar {
	if loc == nil {
		loc = time.Local
	}
	return &SessionCalendar{closeHour: closeHour, closeMinute: closeMinute, loc: loc}
}

func (c *SessionCalendar) NextCloseAfter(now time.Time) (time.Time, error) {
	local := now.In(c.loc)
	at := time.Date(local.Year(), local.Month(), local.Day(), c.closeHour, c.closeMinute, 0, 0, c.loc)
	for !at.After(local) || at.Weekday() == time.Saturday || at.Weekday() == time.Sunday {
		at = at.AddDate(0, 0, 1)
	}
	return at, nil
}
