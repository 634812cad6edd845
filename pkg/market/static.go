// Package market provides the default MarketStatusProvider: a
// configuration-driven trading-hours table that turns a timezone plus an
// open/close window into a trading-or-closed decision.
package market

import (
	"context"
	"fmt"
	"time"

	"github.com/devmesh-labs/symbolcache/pkg/smartcache"
)

// Session is one market's trading window, always specified in its local
// timezone. Weekends are always closed regardless of Session.
type Session struct {
	Market             string        `mapstructure:"market"`
	Timezone           string        `mapstructure:"timezone"`
	OpenHour           int           `mapstructure:"open_hour"`
	OpenMinute         int           `mapstructure:"open_minute"`
	CloseHour          int           `mapstructure:"close_hour"`
	CloseMinute        int           `mapstructure:"close_minute"`
	RealtimeCacheTTL   time.Duration `mapstructure:"realtime_cache_ttl"`
	AnalyticalCacheTTL time.Duration `mapstructure:"analytical_cache_ttl"`
	Holidays           []string      `mapstructure:"holidays"` // "2026-01-01" form
}

// StaticProvider resolves market status from a fixed table of Sessions
// loaded at startup. It does not call out to a live market-data feed.
type StaticProvider struct {
	sessions map[string]Session
	nowFn    func() time.Time
}

// NewStaticProvider builds a StaticProvider from a set of sessions keyed by
// market code (e.g. "US", "HK", "SZ", "SH").
func NewStaticProvider(sessions map[string]Session) *StaticProvider {
	return &StaticProvider{sessions: sessions, nowFn: time.Now}
}

// GetMarketStatus implements smartcache.MarketStatusProvider.
func (p *StaticProvider) GetMarketStatus(ctx context.Context, market string) (smartcache.MarketStatus, error) {
	sess, ok := p.sessions[market]
	if !ok {
		return smartcache.MarketStatus{}, fmt.Errorf("market: no session configured for %q", market)
	}

	loc := time.UTC
	if sess.Timezone != "" {
		if l, err := time.LoadLocation(sess.Timezone); err == nil {
			loc = l
		}
	}
	now := p.nowFn().In(loc)

	holiday := isHoliday(sess, now)
	open := !holiday && isWeekday(now) && isWithinSession(sess, now, loc)

	status := smartcache.MarketClosed
	if open {
		status = smartcache.Trading
	}

	_, offset := now.Zone()
	_, stdOffset := time.Date(now.Year(), 1, 1, 0, 0, 0, 0, loc).Zone()
	isDST := offset != stdOffset

	return smartcache.MarketStatus{
		Market:             market,
		Status:             status,
		Timezone:           sess.Timezone,
		RealtimeCacheTTL:   sess.RealtimeCacheTTL,
		AnalyticalCacheTTL: sess.AnalyticalCacheTTL,
		IsHoliday:          holiday,
		IsDST:              isDST,
		Confidence:         1.0,
	}, nil
}

func isWeekday(t time.Time) bool {
	return t.Weekday() != time.Saturday && t.Weekday() != time.Sunday
}

func isWithinSession(sess Session, local time.Time, loc *time.Location) bool {
	start := time.Date(local.Year(), local.Month(), local.Day(), sess.OpenHour, sess.OpenMinute, 0, 0, loc)
	end := time.Date(local.Year(), local.Month(), local.Day(), sess.CloseHour, sess.CloseMinute, 0, 0, loc)
	return !local.Before(start) && local.Before(end)
}

func isHoliday(sess Session, local time.Time) bool {
	today := local.Format("2006-01-02")
	for _, h := range sess.Holidays {
		if h == today {
			return true
		}
	}
	return false
}
