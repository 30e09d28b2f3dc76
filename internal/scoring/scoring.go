// Package scoring computes the 0-100 base priority scores stored with each
// notice, one per flight-rule profile.
package scoring

import (
	"time"

	"github.com/JakeFAU/notam-pipeline/internal/notice"
)

// Profile selects which flight-rule audience a score is computed for.
type Profile string

// Supported profiles.
const (
	IFR Profile = "IFR"
	VFR Profile = "VFR"
)

var categoryBonus = map[string]int{
	"RUNWAY_OPERATIONS":                    15,
	"NAVAIDS_SID_STAR_APPROACH_PROCEDURES": 10,
	"OBSTACLES":                            10,
}

// Window is the effective validity of a notice. A nil End means permanent.
type Window struct {
	Start time.Time
	End   *time.Time
}

// Active reports whether now falls inside the window.
func (w Window) Active(now time.Time) bool {
	if now.Before(w.Start) {
		return false
	}
	return w.End == nil || !now.After(*w.End)
}

// BaseScore scores a classification for one profile at time now.
func BaseScore(c *notice.Classification, w Window, p Profile, now time.Time) int {
	score := 0
	switch c.SeverityLevel {
	case "CRITICAL":
		score += 60
	case "OPERATIONAL":
		score += 35
	default:
		score += 10
	}

	if !w.Start.IsZero() {
		until := w.Start.Sub(now)
		switch {
		case until <= 24*time.Hour:
			score += 20
		case until <= 7*24*time.Hour:
			score += 10
		}
		if w.Active(now) {
			score += 10
		}
	}

	score += categoryBonus[c.PrimaryCategory]

	switch {
	case p == IFR && c.FlightRuleApplicability == "IFR_ONLY":
		score += 5
	case p == VFR && c.FlightRuleApplicability == "VFR_ONLY":
		score += 5
	}
	return clamp(score)
}

// Scores returns the IFR and VFR scores for c.
func Scores(c *notice.Classification, w Window, now time.Time) (ifr, vfr int) {
	return BaseScore(c, w, IFR, now), BaseScore(c, w, VFR, now)
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
