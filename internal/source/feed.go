package source

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/JakeFAU/notam-pipeline/internal/notice"
)

// Feed is the JSON document served per airport.
type Feed struct {
	Notams []FeedNotice `json:"notams"`
}

// FeedNotice is one entry of a feed.
type FeedNotice struct {
	IcaoMessage string          `json:"icaoMessage"`
	NotamNumber json.RawMessage `json:"notamNumber"`
	IssueDate   string          `json:"issueDate"`
}

// ParseFeed decodes a feed body into raw notices for designator. Entries
// without a message or number are dropped.
func ParseFeed(designator string, body []byte) ([]notice.Raw, error) {
	var feed Feed
	if err := json.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("decode feed for %s: %w", designator, err)
	}
	out := make([]notice.Raw, 0, len(feed.Notams))
	for _, n := range feed.Notams {
		msg := strings.TrimSpace(n.IcaoMessage)
		num := rawScalar(n.NotamNumber)
		if msg == "" || num == "" {
			continue
		}
		out = append(out, notice.Raw{
			SourceID: designator,
			IssuedAt: strings.TrimSpace(n.IssueDate),
			Number:   num,
			Text:     msg,
			Origin:   notice.OriginFeed,
		})
	}
	return out, nil
}

// rawScalar renders a JSON string or number without quotes.
func rawScalar(v json.RawMessage) string {
	if len(v) == 0 || string(v) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(v))
}
