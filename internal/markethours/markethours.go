// Package markethours answers "is the market open right now" for the stats
// broadcast and health endpoint. Playback itself never consults it: replay
// runs against stored history regardless of the live market.
package markethours

import (
	"fmt"
	"log"
	"time"

	"github.com/scmhub/calendar"
)

// Calendar wraps an exchange calendar keyed by its ISO 10383 MIC code. When
// the MIC is unknown it degrades to a Mon-Fri 09:30-16:00 New York schedule.
type Calendar struct {
	cal      *calendar.Calendar
	fallback bool
	loc      *time.Location
}

// New loads the calendar for mic, falling back to xnys and then to the
// simple weekday schedule.
func New(mic string) *Calendar {
	cal := calendar.GetCalendar(mic)
	if cal == nil {
		cal = calendar.GetCalendar("xnys")
	}
	if cal == nil {
		log.Printf("[markethours] no calendar for MIC %q, using Mon-Fri fallback", mic)
		loc, err := time.LoadLocation("America/New_York")
		if err != nil {
			loc = time.UTC
		}
		return &Calendar{fallback: true, loc: loc}
	}
	return &Calendar{cal: cal, loc: cal.Loc}
}

// IsOpen reports whether the exchange is trading at t.
func (c *Calendar) IsOpen(t time.Time) bool {
	t = t.In(c.loc)
	if c.fallback {
		wd := t.Weekday()
		if wd == time.Saturday || wd == time.Sunday {
			return false
		}
		hm := t.Hour()*60 + t.Minute()
		return hm >= 9*60+30 && hm < 16*60
	}
	return c.cal.IsOpen(t)
}

// IsTradingDay reports whether t falls on a business day of the exchange.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	t = t.In(c.loc)
	if c.fallback {
		wd := t.Weekday()
		return wd != time.Saturday && wd != time.Sunday
	}
	return c.cal.IsBusinessDay(t)
}

// Status returns "open" or "closed" for t.
func (c *Calendar) Status(t time.Time) string {
	if c.IsOpen(t) {
		return "open"
	}
	return "closed"
}

// Describe returns a human-readable status line for logs.
func (c *Calendar) Describe(t time.Time) string {
	return fmt.Sprintf("market %s at %s", c.Status(t), t.In(c.loc).Format("Mon 15:04 MST"))
}
