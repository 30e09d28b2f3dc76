// Package parse turns queue message payloads into raw notices. Payloads are
// tried as JSON, then as AIXM 5.1 event XML, and finally taken as plain text.
package parse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/JakeFAU/notam-pipeline/internal/hash/sha256"
	"github.com/JakeFAU/notam-pipeline/internal/notice"
	"github.com/JakeFAU/notam-pipeline/internal/timeutil"
)

// Format names the representation a payload was recognized as.
type Format string

// Recognized payload formats.
const (
	FormatJSON  Format = "json"
	FormatAIXM  Format = "aixm"
	FormatPlain Format = "plain"
)

// UnknownAirport marks messages that carry no location.
const UnknownAirport = "UNKNOWN"

var numberPattern = regexp.MustCompile(`\b[A-Z]?\d{3,5}/\d{2}\b`)

// Result is a parsed message.
type Result struct {
	Raw    notice.Raw
	Format Format
	// NumberDerived is set when the notice number was not carried explicitly.
	NumberDerived bool
}

type fields struct {
	text    string
	number  string
	issued  string
	airport string
}

// Message parses payload. It never fails: unrecognized payloads become plain
// text notices, and an empty Raw.Text signals that the message carries nothing.
func Message(payload []byte, now time.Time) Result {
	payload = bytes.TrimSpace(payload)
	res := Result{Format: FormatPlain}

	f, ok := fromJSON(payload)
	if ok {
		res.Format = FormatJSON
	} else if f, ok = fromAIXM(payload); ok {
		res.Format = FormatAIXM
	} else {
		f = fields{text: string(payload)}
	}

	f.text = strings.TrimSpace(f.text)
	f.number = strings.TrimSpace(f.number)
	if f.number == "" && f.text != "" {
		f.number = DeriveNumber(f.text)
		res.NumberDerived = true
	}
	if strings.TrimSpace(f.issued) == "" {
		f.issued = timeutil.FormatZ(now)
	}
	airport := strings.ToUpper(strings.TrimSpace(f.airport))
	if airport == "" {
		airport = UnknownAirport
	}

	res.Raw = notice.Raw{
		SourceID: airport,
		IssuedAt: strings.TrimSpace(f.issued),
		Number:   f.number,
		Text:     f.text,
		Origin:   notice.OriginStream,
	}
	return res
}

// DeriveNumber finds a notice number such as "A1234/25" in text, falling
// back to "UNK-" and the first 12 hex digits of the text's hash, so a
// redelivered message keeps its fingerprint.
func DeriveNumber(text string) string {
	if m := numberPattern.FindString(text); m != "" {
		return m
	}
	return "UNK-" + sha256.Fingerprint("", text)[:12]
}

func fromJSON(payload []byte) (fields, bool) {
	if len(payload) == 0 || payload[0] != '{' {
		return fields{}, false
	}
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fields{}, false
	}
	nested, _ := doc["notam"].(map[string]any)

	text := firstString(doc, "icaoMessage")
	if text == "" {
		text = firstString(nested, "icaoMessage")
	}
	if text == "" {
		text = firstString(doc, "TextNOTAM")
	}
	if strings.TrimSpace(text) == "" {
		return fields{}, false
	}

	number := firstString(doc, "notamNumber")
	if number == "" {
		number = firstString(nested, "notamNumber")
	}
	if number == "" {
		number = firstString(doc, "NotamNumber")
	}
	return fields{
		text:    text,
		number:  number,
		issued:  firstString(doc, "issueDate", "issueTime", "IssueTime"),
		airport: firstString(doc, "location", "stationId", "Designator", "Airport"),
	}, true
}

func firstString(doc map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := doc[k].(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}
