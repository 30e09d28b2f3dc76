package notice

import "errors"

// Outcome is the tagged result of classifying one pending notice: exactly
// one of Record or Reason is meaningful, selected by OK.
type Outcome struct {
	Item     Pending
	Record   *Classification
	Reason   string
	Attempts int
}

// Ok builds a successful outcome.
func Ok(item Pending, rec *Classification, attempts int) Outcome {
	return Outcome{Item: item, Record: rec, Attempts: attempts}
}

// Err builds a failed outcome carrying a human-readable cause.
func Err(item Pending, reason string, attempts int) Outcome {
	if reason == "" {
		reason = "unknown failure"
	}
	return Outcome{Item: item, Reason: reason, Attempts: attempts}
}

// OK reports whether the outcome carries a classification.
func (o Outcome) OK() bool {
	return o.Record != nil && o.Reason == ""
}

// Error returns the failure as an error, or nil for successful outcomes.
func (o Outcome) Error() error {
	if o.OK() {
		return nil
	}
	return errors.New(o.Reason)
}

// Partition splits outcomes into successes and failures, preserving order.
func Partition(outcomes []Outcome) (ok, failed []Outcome) {
	for _, o := range outcomes {
		if o.OK() {
			ok = append(ok, o)
			continue
		}
		failed = append(failed, o)
	}
	return ok, failed
}

// Items returns the pending items behind outcomes.
func Items(outcomes []Outcome) []Pending {
	items := make([]Pending, 0, len(outcomes))
	for _, o := range outcomes {
		items = append(items, o.Item)
	}
	return items
}
