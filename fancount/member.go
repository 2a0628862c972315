package fancount

import (
	"time"

	"github.com/cockroachdb/errors"
)

// DailyFanCount is one day's reading for a member. Date is truncated to UTC
// midnight; Gain is the delta against the previous day as reported upstream.
type DailyFanCount struct {
	Date  time.Time `msgpack:"date" json:"date"`
	Count int64     `msgpack:"count" json:"count"`
	Gain  int64     `msgpack:"gain" json:"gain"`
}

// MemberRecord tracks a single member's fan-count history within a club.
// DailyFanCounts is append-only and holds at most one entry per date.
type MemberRecord struct {
	ClubID             string          `msgpack:"club_id" json:"club_id"`
	MemberName         string          `msgpack:"member_name" json:"member_name"`
	DailyFanCounts     []DailyFanCount `msgpack:"daily_fan_counts" json:"daily_fan_counts"`
	CumulativeFanCount int64           `msgpack:"cumulative_fan_count" json:"cumulative_fan_count"`
	Verified           bool            `msgpack:"verified" json:"verified"`
}

// Day normalizes t to its UTC date.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// AppendDaily records a reading for a new date. A reading for an already
// recorded date is rejected: the sequence is append-only per date.
func (m *MemberRecord) AppendDaily(date time.Time, count, gain int64) error {
	day := Day(date)
	for _, dc := range m.DailyFanCounts {
		if dc.Date.Equal(day) {
			return errors.Newf("member %s already has a reading for %s", m.MemberName, day.Format("2006-01-02"))
		}
	}
	m.DailyFanCounts = append(m.DailyFanCounts, DailyFanCount{Date: day, Count: count, Gain: gain})
	m.CumulativeFanCount = count
	return nil
}

// Latest returns the most recent reading, if any.
func (m *MemberRecord) Latest() (DailyFanCount, bool) {
	if len(m.DailyFanCounts) == 0 {
		return DailyFanCount{}, false
	}
	latest := m.DailyFanCounts[0]
	for _, dc := range m.DailyFanCounts[1:] {
		if dc.Date.After(latest.Date) {
			latest = dc
		}
	}
	return latest, true
}
