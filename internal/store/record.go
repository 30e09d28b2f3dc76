package store

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/notam-pipeline/internal/notice"
	"github.com/JakeFAU/notam-pipeline/internal/scoring"
	"github.com/JakeFAU/notam-pipeline/internal/timeutil"
)

// UnknownAirport is used when a notice cannot be tied to a monitored airport.
const UnknownAirport = "UNKNOWN"

// Record is the row image of a notice record and its owned children, built
// from a successful outcome by RecordFromOutcome.
type Record struct {
	RawHash                 string
	NotamNumber             string
	IssueTime               time.Time
	NotamCategory           string
	SeverityLevel           string
	StartTime               time.Time
	EndTime                 *time.Time
	OperationalInstances    []notice.OperationalInstance
	IsActive                bool
	TimeOfDayApplicability  string
	FlightRuleApplicability string
	PrimaryCategory         string
	AffectedArea            *notice.AffectedArea
	AffectedAirports        []string
	NotamSummary            string
	OneLineDescription      string
	IcaoMessage             string
	ReplacingNotam          string
	BaseScoreIFR            int
	BaseScoreVFR            int
	// PrimaryAirport owns airport-scoped children (runways, taxiways, procedures).
	PrimaryAirport string
	Children       Children
}

// Children are the collections owned by a notice record. They are replaced
// wholesale whenever the record is written.
type Children struct {
	// Airports starts with the primary airport.
	Airports         []string
	Tags             []string
	FlightPhases     []string
	AircraftSizes    []string
	Propulsions      []string
	Wingspan         *notice.WingspanRestriction
	Taxiways         []string
	Procedures       []string
	Obstacles        []notice.Obstacle
	Runways          []Runway
	RunwayConditions []RunwayCondition
}

// Runway is a parsed runway designator such as 09L.
type Runway struct {
	Number int
	Side   string
}

// RunwayCondition is a friction report for one runway.
type RunwayCondition struct {
	Runway
	Friction *float64
}

// ErrNotClassified is returned when mapping an error outcome.
var ErrNotClassified = errors.New("outcome has no classification")

// RecordFromOutcome maps a successful outcome to its row image. Malformed
// optional values are dropped rather than failing the item.
func RecordFromOutcome(o notice.Outcome, now time.Time) (Record, error) {
	if !o.OK() {
		return Record{}, ErrNotClassified
	}
	c := o.Record
	item := o.Item

	issue, ok := timeutil.ParseUTC(c.IssueTime)
	if !ok {
		issue, ok = timeutil.ParseUTC(item.IssuedAt)
	}
	if !ok {
		issue = now.UTC()
	}

	number := strings.TrimSpace(item.Number)
	if number == "" {
		number = strings.TrimSpace(c.NotamNumber)
	}

	instances, start, end := window(c, issue)
	primary := strings.ToUpper(strings.TrimSpace(item.SourceID))
	if primary == "" {
		primary = UnknownAirport
	}

	rec := Record{
		RawHash:                 item.Hash,
		NotamNumber:             number,
		IssueTime:               issue,
		NotamCategory:           c.NotamCategory,
		SeverityLevel:           c.SeverityLevel,
		StartTime:               start,
		EndTime:                 end,
		OperationalInstances:    instances,
		TimeOfDayApplicability:  c.TimeOfDayApplicability,
		FlightRuleApplicability: c.FlightRuleApplicability,
		PrimaryCategory:         c.PrimaryCategory,
		AffectedArea:            c.AffectedArea,
		AffectedAirports:        nonNil(c.AffectedAirports),
		NotamSummary:            c.NotamSummary,
		OneLineDescription:      c.OneLineDescription,
		IcaoMessage:             item.Text,
		ReplacingNotam:          strings.TrimSpace(c.ReplacingNotam),
		PrimaryAirport:          primary,
	}

	w := scoring.Window{Start: start, End: end}
	rec.IsActive = w.Active(now)
	rec.BaseScoreIFR, rec.BaseScoreVFR = scoring.Scores(c, w, now)
	rec.Children = children(c, primary)
	return rec, nil
}

// window derives start/end from operational instances when present, else
// from the explicit fields, else from the issue time.
func window(c *notice.Classification, issue time.Time) ([]notice.OperationalInstance, time.Time, *time.Time) {
	var (
		instances []notice.OperationalInstance
		start     time.Time
		end       time.Time
	)
	for _, oi := range c.OperationalInstances {
		s, okS := timeutil.ParseUTC(oi.StartISO)
		e, okE := timeutil.ParseUTC(oi.EndISO)
		if !okS || !okE {
			continue
		}
		instances = append(instances, notice.OperationalInstance{
			StartISO: timeutil.FormatZ(s),
			EndISO:   timeutil.FormatZ(e),
		})
		if start.IsZero() || s.Before(start) {
			start = s
		}
		if e.After(end) {
			end = e
		}
	}
	if len(instances) > 0 {
		return instances, start, &end
	}

	start, ok := timeutil.ParseUTC(c.StartTime)
	if !ok {
		start = issue
	}
	return []notice.OperationalInstance{}, start, timeutil.ParseUTCPtr(c.EndTime)
}

func children(c *notice.Classification, primary string) Children {
	airports := []string{primary}
	for _, code := range c.AffectedAirports {
		airports = append(airports, strings.ToUpper(strings.TrimSpace(code)))
	}

	ch := Children{
		Airports:      dedupe(airports, false),
		Tags:          dedupe(c.OperationalTags, false),
		FlightPhases:  dedupe(c.FlightPhases, false),
		AircraftSizes: dedupe(c.AircraftApplicability.Sizes, false),
		Propulsions:   dedupe(c.AircraftApplicability.Propulsion, false),
		Taxiways:      dedupe(c.ExtractedElements.Taxiways, true),
		Procedures:    dedupe(c.ExtractedElements.Procedures, true),
		Obstacles:     c.ExtractedElements.Obstacles,
	}
	if ws := c.AircraftApplicability.WingspanRestriction; ws != nil && (ws.MinM != nil || ws.MaxM != nil) {
		ch.Wingspan = ws
	}
	seen := make(map[Runway]struct{})
	for _, id := range c.ExtractedElements.Runways {
		rwy, ok := ParseRunwayID(id)
		if !ok {
			continue
		}
		if _, dup := seen[rwy]; dup {
			continue
		}
		seen[rwy] = struct{}{}
		ch.Runways = append(ch.Runways, rwy)
	}
	for _, rc := range c.ExtractedElements.RunwayConditions {
		rwy, ok := ParseRunwayID(rc.RunwayID)
		if !ok {
			continue
		}
		ch.RunwayConditions = append(ch.RunwayConditions, RunwayCondition{Runway: rwy, Friction: rc.FrictionValue})
	}
	return ch
}

// ParseRunwayID parses designators such as "09", "27L" or "RWY 18C". Numbers
// outside 1..36 are rejected.
func ParseRunwayID(id string) (Runway, bool) {
	s := strings.ToUpper(strings.TrimSpace(id))
	s = strings.TrimSpace(strings.TrimPrefix(s, "RWY"))
	if s == "" {
		return Runway{}, false
	}
	var side string
	if last := s[len(s)-1:]; last == "L" || last == "C" || last == "R" {
		side = last
		s = s[:len(s)-1]
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 36 {
		return Runway{}, false
	}
	return Runway{Number: n, Side: side}, true
}

// ChangedFields is the history payload for a write.
func ChangedFields(action Action, now time.Time) map[string]string {
	if action == ActionUpdated {
		return map[string]string{"updated_at": timeutil.FormatZ(now)}
	}
	return map[string]string{}
}

func dedupe(values []string, upper bool) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if upper {
			v = strings.ToUpper(v)
		}
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
