// Package schedule computes delivery slots: each channel gets a daily base
// time in its own zone, publications pack into the day one second apart, and
// every instant is clamped into the channel's allowed window.
package schedule

import (
	"context"
	"fmt"
	"time"

	"telepost/internal/domain"
	"telepost/internal/timeutil"
)

// maxSlotDays caps the slot search; a channel that is fully packed a year
// ahead falls back to "one minute from now".
const maxSlotDays = 365

type Scheduler struct {
	counter domain.DayCounter
	now     func() time.Time
}

func New(counter domain.DayCounter) *Scheduler {
	return &Scheduler{counter: counter, now: timeutil.NowUTC}
}

// WithNow overrides the clock; tests only.
func (s *Scheduler) WithNow(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// NextSlot returns the next delivery instant (naive UTC) and the per-day
// ordinal. The ordinal offsets planned_at by that many seconds, which keeps
// planned_at values distinct and monotonic within a channel-day.
func (s *Scheduler) NextSlot(ctx context.Context, ch domain.Channel) (time.Time, int, error) {
	hour, minute, err := timeutil.ParseHHMM(ch.DailyTime)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("channel %d daily_time: %w", ch.ID, err)
	}

	nowUTC := s.now()
	nowLocal := timeutil.UTCToLocal(nowUTC, ch.Timezone)

	base := time.Date(nowLocal.Year(), nowLocal.Month(), nowLocal.Day(), hour, minute, 0, 0, time.UTC)
	if !base.After(nowLocal) {
		base = base.AddDate(0, 0, 1)
	}

	plannedUTC := timeutil.LocalToUTC(base, ch.Timezone)
	for i := 0; i < maxSlotDays; i++ {
		dayStart := time.Date(plannedUTC.Year(), plannedUTC.Month(), plannedUTC.Day(), 0, 0, 0, 0, time.UTC)
		count, err := s.counter.CountPlannedInDay(ctx, ch.ID, dayStart)
		if err != nil {
			return time.Time{}, 0, fmt.Errorf("count planned publications: %w", err)
		}
		candidate := plannedUTC.Add(time.Duration(count) * time.Second)
		if candidate.After(nowUTC) {
			return candidate, count, nil
		}
		plannedUTC = plannedUTC.AddDate(0, 0, 1)
	}

	return nowUTC.Add(time.Minute), 0, nil
}

// AdjustToWindow clamps a planned instant into the channel's allowed window.
// Before window_start shifts to today's start; after window_end shifts to
// tomorrow's start; inside the window (inclusive) is unchanged.
func AdjustToWindow(ch domain.Channel, plannedUTC time.Time) (time.Time, error) {
	startH, startM, err := timeutil.ParseHHMM(ch.WindowStart)
	if err != nil {
		return time.Time{}, fmt.Errorf("channel %d allowed_window_start: %w", ch.ID, err)
	}
	endH, endM, err := timeutil.ParseHHMM(ch.WindowEnd)
	if err != nil {
		return time.Time{}, fmt.Errorf("channel %d allowed_window_end: %w", ch.ID, err)
	}

	local := timeutil.UTCToLocal(plannedUTC, ch.Timezone)
	curSec := local.Hour()*3600 + local.Minute()*60 + local.Second()
	startSec := startH*3600 + startM*60
	endSec := endH*3600 + endM*60

	if curSec >= startSec && curSec <= endSec {
		return plannedUTC, nil
	}

	adjusted := time.Date(local.Year(), local.Month(), local.Day(), startH, startM, 0, 0, time.UTC)
	if curSec > endSec {
		adjusted = adjusted.AddDate(0, 0, 1)
	}
	return timeutil.LocalToUTC(adjusted, ch.Timezone), nil
}
