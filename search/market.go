package search

import (
	"strings"
	"time"
	_ "time/tzdata" // exchange time zones without a system zoneinfo

	"ticker-search/models"
)

// session is one exchange's trading day in local minutes since midnight.
type session struct {
	loc                       *time.Location
	preOpen, open, close, end int
}

func (s session) status(now time.Time) models.MarketStatus {
	local := now.In(s.loc)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return models.MarketClosed
	}
	m := local.Hour()*60 + local.Minute()
	switch {
	case m >= s.preOpen && m < s.open:
		return models.MarketPre
	case m >= s.open && m < s.close:
		return models.MarketOpen
	case m >= s.close && m < s.end:
		return models.MarketAfter
	default:
		return models.MarketClosed
	}
}

// MarketClock derives a market status from an exchange name and the wall
// clock.
// TODO: exchange holiday calendars; holidays currently report the regular
// weekday session.
type MarketClock struct {
	sessions map[string]session
}

// NewMarketClock returns a clock for US and Indian exchanges.
func NewMarketClock() (*MarketClock, error) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, err
	}
	kolkata, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		return nil, err
	}
	us := session{loc: ny, preOpen: 4 * 60, open: 9*60 + 30, close: 16 * 60, end: 20 * 60}
	india := session{loc: kolkata, preOpen: 9 * 60, open: 9*60 + 15, close: 15*60 + 30, end: 16 * 60}

	sessions := map[string]session{"NSE": india, "BSE": india}
	for _, ex := range []string{"NYSE", "NASDAQ", "AMEX", "ARCA", "BATS", "NYSEARCA", "NYSEAMERICAN", "CBOE", "OTC"} {
		sessions[ex] = us
	}
	return &MarketClock{sessions: sessions}, nil
}

// Status returns the trading state of exchange at now. Exchange names are
// matched ignoring case and spaces, and on prefix for variants like
// "NasdaqGS".
func (c *MarketClock) Status(exchange string, now time.Time) models.MarketStatus {
	key := strings.ToUpper(strings.ReplaceAll(exchange, " ", ""))
	if key == "" {
		return models.MarketUnknown
	}
	if s, ok := c.sessions[key]; ok {
		return s.status(now)
	}
	for name, s := range c.sessions {
		if strings.HasPrefix(key, name) {
			return s.status(now)
		}
	}
	return models.MarketUnknown
}
