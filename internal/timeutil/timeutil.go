// Package timeutil implements the naive-UTC storage convention: every
// timestamp the store sees is a time.Time whose wall clock is UTC and whose
// location is time.UTC. Conversions into a channel's IANA zone also return
// "naive" values (wall clock in the zone, location UTC) so that comparisons
// and date arithmetic stay uniform.
package timeutil

import (
	"fmt"
	"time"

	"telepost/internal/pkg/logger"
)

// DefaultZone is used when a channel carries an unknown timezone name.
const DefaultZone = "Europe/Moscow"

// NowUTC returns the current instant in UTC.
func NowUTC() time.Time {
	return time.Now().UTC()
}

// LoadZone resolves an IANA zone name with the fallback chain
// name -> DefaultZone -> UTC. Unknown names are logged once per call site.
func LoadZone(name string) *time.Location {
	if name == "" {
		name = DefaultZone
	}
	loc, err := time.LoadLocation(name)
	if err == nil {
		return loc
	}
	logger.Logger.Warn().Str("timezone", name).Msg("unknown timezone, falling back to default zone")
	loc, err = time.LoadLocation(DefaultZone)
	if err == nil {
		return loc
	}
	return time.UTC
}

// LocalToUTC interprets the wall clock of local in the named zone and returns
// the corresponding naive-UTC value.
func LocalToUTC(local time.Time, zone string) time.Time {
	loc := LoadZone(zone)
	t := time.Date(local.Year(), local.Month(), local.Day(),
		local.Hour(), local.Minute(), local.Second(), local.Nanosecond(), loc)
	return t.UTC()
}

// UTCToLocal converts a naive-UTC value into the zone's wall clock, returned
// as a naive value (location UTC).
func UTCToLocal(utc time.Time, zone string) time.Time {
	loc := LoadZone(zone)
	t := time.Date(utc.Year(), utc.Month(), utc.Day(),
		utc.Hour(), utc.Minute(), utc.Second(), utc.Nanosecond(), time.UTC).In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(),
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

// ParseHHMM parses a "HH:MM" clock value.
func ParseHHMM(value string) (hour, minute int, err error) {
	if _, err = fmt.Sscanf(value, "%d:%d", &hour, &minute); err != nil {
		return 0, 0, fmt.Errorf("invalid HH:MM value %q: %w", value, err)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid HH:MM value %q", value)
	}
	return hour, minute, nil
}
