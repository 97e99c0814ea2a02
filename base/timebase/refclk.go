package timebase

import (
	"errors"
	"time"
)

// ReferenceClock is the battery-backed clock. It keeps running across sleep
// and power loss but is only observable at one-second granularity.
type ReferenceClock interface {
	ReadWholeSeconds() (int64, error)
	WriteWholeSeconds(sec int64) error
}

// ErrReferenceClockAbsent is returned by reference clock drivers when the
// hardware is not present or does not respond.
var ErrReferenceClockAbsent = errors.New("reference clock absent")

const (
	minPlausibleYear = 2020
	maxPlausibleYear = 2100
)

// Plausible reports whether a reference clock reading lies in the range a
// correctly set clock can report. Clocks that lost their backup supply
// typically restart at 2000-01-01.
func Plausible(sec int64) bool {
	y := time.Unix(sec, 0).UTC().Year()
	return minPlausibleYear <= y && y <= maxPlausibleYear
}

// MinValidTime is the earliest instant accepted from any time source.
var MinValidTime = time.Date(minPlausibleYear, time.January, 1, 0, 0, 0, 0, time.UTC)
