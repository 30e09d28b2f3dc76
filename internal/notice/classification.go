package notice

// Classification is the structured interpretation returned by the
// classification service. Field names follow the service's JSON contract.
type Classification struct {
	NotamNumber             string                `json:"notam_number"`
	IssueTime               string                `json:"issue_time"`
	NotamCategory           string                `json:"notam_category"`
	SeverityLevel           string                `json:"severity_level"`
	OperationalInstances    []OperationalInstance `json:"operational_instances"`
	StartTime               string                `json:"start_time"`
	EndTime                 string                `json:"end_time"`
	FlightPhases            []string              `json:"flight_phases"`
	TimeOfDayApplicability  string                `json:"time_of_day_applicability"`
	FlightRuleApplicability string                `json:"flight_rule_applicability"`
	AircraftApplicability   AircraftApplicability `json:"aircraft_applicability"`
	OperationalTags         []string              `json:"operational_tag"`
	PrimaryCategory         string                `json:"primary_category"`
	AffectedAirports        []string              `json:"affected_airports"`
	AffectedArea            *AffectedArea         `json:"affected_area,omitempty"`
	ExtractedElements       ExtractedElements     `json:"extracted_elements"`
	NotamSummary            string                `json:"notam_summary"`
	OneLineDescription      string                `json:"one_line_description"`
	ReplacingNotam          string                `json:"replacing_notam,omitempty"`
}

// OperationalInstance is one validity window. Either bound may be empty.
type OperationalInstance struct {
	StartISO string `json:"start_iso"`
	EndISO   string `json:"end_iso"`
}

// AircraftApplicability narrows which aircraft a notice concerns.
type AircraftApplicability struct {
	Sizes               []string             `json:"sizes"`
	Propulsion          []string             `json:"propulsion"`
	WingspanRestriction *WingspanRestriction `json:"wingspan_restriction,omitempty"`
}

// WingspanRestriction bounds wingspan in metres.
type WingspanRestriction struct {
	MinM         *float64 `json:"min_m,omitempty"`
	MinInclusive bool     `json:"min_inclusive"`
	MaxM         *float64 `json:"max_m,omitempty"`
	MaxInclusive bool     `json:"max_inclusive"`
}

// AffectedArea describes the airspace a notice applies to.
type AffectedArea struct {
	Center          *Coordinate  `json:"center,omitempty"`
	RadiusNM        *float64     `json:"radius_nm,omitempty"`
	AltitudeLowerFt *int         `json:"altitude_lower_ft,omitempty"`
	AltitudeUpperFt *int         `json:"altitude_upper_ft,omitempty"`
	Shape           string       `json:"shape,omitempty"`
	Vertices        []Coordinate `json:"vertices,omitempty"`
}

// Coordinate is a WGS84 point.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// ExtractedElements lists the concrete facilities named in the notice.
type ExtractedElements struct {
	Runways          []string          `json:"runways"`
	RunwayConditions []RunwayCondition `json:"runway_conditions"`
	Taxiways         []string          `json:"taxiways"`
	Obstacles        []Obstacle        `json:"obstacles"`
	Procedures       []string          `json:"procedures"`
}

// RunwayCondition is a reported friction value for one runway.
type RunwayCondition struct {
	RunwayID      string   `json:"runway_id"`
	FrictionValue *float64 `json:"friction_value,omitempty"`
}

// Obstacle is a reported obstruction.
type Obstacle struct {
	Type         string      `json:"type"`
	HeightAGLFt  *int        `json:"height_agl_ft,omitempty"`
	HeightAMSLFt *int        `json:"height_amsl_ft,omitempty"`
	Location     *Coordinate `json:"location,omitempty"`
	Lighting     string      `json:"lighting,omitempty"`
}
