// Package notice defines the records that flow through the pipeline: raw
// notices from sources, fingerprinted pending items, classification records
// and the tagged outcome of one dispatch.
package notice

import (
	"strings"

	"github.com/JakeFAU/notam-pipeline/internal/hash/sha256"
)

// Origin tags where a raw notice came from.
type Origin string

// Known origins.
const (
	OriginFeed   Origin = "feed"
	OriginManual Origin = "manual"
	OriginStream Origin = "stream"
	OriginRetry  Origin = "retry"
)

// Raw is a notice as produced by a source adapter. It is never persisted.
type Raw struct {
	// SourceID is the monitored entity (airport designator) the notice was fetched for.
	SourceID string `json:"source_id"`
	// IssuedAt is the issue timestamp as delivered; it may be empty or malformed.
	IssuedAt string `json:"issued_at"`
	Number   string `json:"notice_number"`
	Text     string `json:"message_text"`
	Origin   Origin `json:"origin_tag"`
}

// Fingerprint returns the content fingerprint of the notice.
func (r Raw) Fingerprint() string {
	return sha256.Fingerprint(r.Number, r.Text)
}

// Usable reports whether the notice carries message text worth classifying.
func (r Raw) Usable() bool {
	return strings.TrimSpace(r.Text) != ""
}

// Pending is a raw notice together with its fingerprint, ready for dispatch.
type Pending struct {
	Raw
	Hash string `json:"raw_hash"`
	// FailedID links the item to its quarantine record when it is being retried.
	FailedID int64 `json:"failed_id,omitempty"`
}

// NewPending fingerprints r.
func NewPending(r Raw) Pending {
	return Pending{Raw: r, Hash: r.Fingerprint()}
}
